package platform

import (
	"encoding/json"
	"strings"

	"creatorbills/internal/core"
)

const (
	typeBill     = "bill"
	typeCampaign = "campaign"
)

// document is the subset of a JSON:API response we read. Metadata is read
// separately with gjson because its shape differs between calls.
type document struct {
	Data     []resource `json:"data"`
	Included []resource `json:"included"`
}

type resource struct {
	ID            string                  `json:"id"`
	Type          string                  `json:"type"`
	Attributes    json.RawMessage         `json:"attributes"`
	Relationships map[string]relationship `json:"relationships"`
}

type relationship struct {
	Data json.RawMessage `json:"data"`
}

type identifier struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type billAttributes struct {
	AmountCents          int64  `json:"amount_cents"`
	VATChargeAmountCents *int64 `json:"vat_charge_amount_cents"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
}

type campaignAttributes struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Vanity string `json:"vanity"`
}

// related returns the id of a to-one relationship, or "" when it is absent,
// null or not an object.
func (r resource) related(name string) string {
	rel, ok := r.Relationships[name]
	if !ok || len(rel.Data) == 0 || rel.Data[0] != '{' {
		return ""
	}
	var id identifier
	if err := json.Unmarshal(rel.Data, &id); err != nil {
		return ""
	}
	return id.ID
}

// toBill decodes a bill resource. The bill belongs to the year it was
// listed under: the platform filters by due date in the requested time zone,
// so the offset written in due_date can point at a neighbouring year.
func (r resource) toBill(fetchedYear int) (core.Bill, error) {
	var attrs billAttributes
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
			return core.Bill{}, err
		}
	}
	return core.Bill{
		ID:        r.ID,
		DueYear:   fetchedYear,
		Amount:    attrs.AmountCents,
		TaxAmount: attrs.VATChargeAmountCents,
		Currency:  strings.ToUpper(strings.TrimSpace(attrs.Currency)),
		CreatorID: r.related(typeCampaign),
	}, nil
}

func (r resource) toCreator() (core.Creator, error) {
	var attrs campaignAttributes
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
			return core.Creator{}, err
		}
	}
	name := strings.TrimSpace(attrs.Name)
	if name == "" {
		name = strings.TrimSpace(attrs.Vanity)
	}
	return core.Creator{ID: r.ID, Name: name, URL: attrs.URL}, nil
}
