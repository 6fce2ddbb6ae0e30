package app

// StopReason explains why the app is shutting down. It is logged only.
type StopReason string

const (
	StopUnknown   StopReason = "unknown"
	StopSIGINT    StopReason = "sigint"
	StopSIGTERM   StopReason = "sigterm"
	StopCompleted StopReason = "completed"
	StopFatal     StopReason = "fatal_error"
)
