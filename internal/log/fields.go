package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldJobID         = "job_id"
	FieldPlaylistName  = "playlist_name"
	FieldVideoFile     = "video_file"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldTier     = "tier"

	// Path fields
	FieldPath       = "path"
	FieldFolder     = "folder"
	FieldSlug       = "slug"
)
