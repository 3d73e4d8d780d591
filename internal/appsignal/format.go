package appsignal

// ErrorView is the display shape of an error sample.
type ErrorView struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	Path        string         `json:"path"`
	Status      any            `json:"status"`
	Duration    *float64       `json:"duration"`
	Hostname    string         `json:"hostname"`
	Time        float64        `json:"time"`
	Environment map[string]any `json:"environment"`
	Params      map[string]any `json:"params"`
	SessionData map[string]any `json:"session_data"`
	Tags        map[string]any `json:"tags"`
	Exception   *ExceptionView `json:"exception"`
}

type ExceptionView struct {
	Message   string   `json:"message"`
	Name      string   `json:"name"`
	Backtrace []string `json:"backtrace"`
}

// TypedErrorView is ErrorView tagged with type "error".
type TypedErrorView struct {
	ErrorView
	Type string `json:"type"`
}

// PerformanceView is the display shape of a performance sample.
type PerformanceView struct {
	ID              string         `json:"id"`
	Action          string         `json:"action"`
	Path            string         `json:"path"`
	Status          any            `json:"status"`
	Duration        *float64       `json:"duration"`
	Hostname        string         `json:"hostname"`
	Time            float64        `json:"time"`
	Environment     map[string]any `json:"environment"`
	Params          map[string]any `json:"params"`
	SessionData     map[string]any `json:"session_data"`
	DBRuntime       float64        `json:"db_runtime"`
	ViewRuntime     float64        `json:"view_runtime"`
	AllocationCount *int64         `json:"allocation_count"`
	Events          []Event        `json:"events"`
	Type            string         `json:"type"`
}

// EntryView is the reduced listing row returned by searches.
type EntryView struct {
	ID          string   `json:"id"`
	Action      string   `json:"action"`
	Path        string   `json:"path"`
	Duration    *float64 `json:"duration"`
	Status      any      `json:"status"`
	Time        float64  `json:"time"`
	IsException bool     `json:"is_exception"`
	Exception   *string  `json:"exception"`
}

// FormatErrorSample projects the error fields of a sample. A performance
// sample yields its shared fields with empty tags and a nil exception.
func FormatErrorSample(sample Sample) ErrorView {
	header := sample.Header()
	view := ErrorView{
		ID:          string(header.ID),
		Action:      header.Action,
		Path:        header.Path,
		Status:      header.Status,
		Duration:    header.Duration,
		Hostname:    header.Hostname,
		Time:        header.Time,
		Environment: orEmpty(header.Environment),
		Params:      orEmpty(header.Params),
		SessionData: orEmpty(header.SessionData),
		Tags:        map[string]any{},
	}

	if sample.Kind != KindError || sample.Error == nil {
		return view
	}

	view.Tags = orEmpty(sample.Error.Tags)
	if exc := sample.Error.Exception; exc != nil {
		backtrace := exc.Backtrace
		if backtrace == nil {
			backtrace = []string{}
		}
		view.Exception = &ExceptionView{
			Message:   exc.Message,
			Name:      exc.Name,
			Backtrace: backtrace,
		}
	}
	return view
}

// FormatSample returns a TypedErrorView or a PerformanceView depending on
// the sample kind.
func FormatSample(sample Sample) any {
	switch sample.Kind {
	case KindError:
		return TypedErrorView{ErrorView: FormatErrorSample(sample), Type: "error"}
	default:
		return formatPerformance(sample)
	}
}

func formatPerformance(sample Sample) PerformanceView {
	header := sample.Header()
	view := PerformanceView{
		ID:          string(header.ID),
		Action:      header.Action,
		Path:        header.Path,
		Status:      header.Status,
		Duration:    header.Duration,
		Hostname:    header.Hostname,
		Time:        header.Time,
		Environment: orEmpty(header.Environment),
		Params:      orEmpty(header.Params),
		SessionData: orEmpty(header.SessionData),
		Events:      []Event{},
		Type:        "performance",
	}

	perf := sample.Performance
	if perf == nil {
		return view
	}
	view.DBRuntime = perf.DBRuntime
	view.ViewRuntime = perf.ViewRuntime
	view.AllocationCount = perf.AllocationCount
	if perf.Events != nil {
		view.Events = perf.Events
	}
	return view
}

func FormatEntries(entries []SampleEntry) []EntryView {
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, EntryView{
			ID:          string(entry.ID),
			Action:      entry.Action,
			Path:        entry.Path,
			Duration:    entry.Duration,
			Status:      entry.Status,
			Time:        entry.Time,
			IsException: entry.IsException,
			Exception:   entry.ExceptionName(),
		})
	}
	return views
}

func orEmpty(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	return values
}
