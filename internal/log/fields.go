package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldSessionID   = "session_id"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldYear        = "year"
	FieldYears       = "years"
	FieldPage        = "page"
	FieldTotalPages  = "total_pages"
	FieldOffset      = "offset"
	FieldRecords     = "records"
	FieldCreator     = "creator"
	FieldCurrency    = "currency"
	FieldAmountMinor = "amount_minor"
	FieldSink        = "sink"
	FieldFilename    = "filename"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentFetcher    = "fetcher"
	ComponentAggregator = "aggregator"
	ComponentReporter   = "reporter"
	ComponentExport     = "export"
	ComponentSink       = "sink"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentSheets     = "sheets"
)

// Operations defines standard operation names
const (
	OpFetch     = "fetch"
	OpListYears = "list_years"
	OpAggregate = "aggregate"
	OpRender    = "render"
	OpDeliver   = "deliver"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithSession adds the export session id
func (f LogFields) WithSession(id string) LogFields {
	f[FieldSessionID] = id
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithPage adds pagination fields
func (f LogFields) WithPage(year, page, totalPages, records int) LogFields {
	f[FieldYear] = year
	f[FieldPage] = page
	f[FieldTotalPages] = totalPages
	f[FieldRecords] = records
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(method, path string, statusCode int, durationMs int64) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
