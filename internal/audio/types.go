package audio

// Levels is the most recent input level measurement in dBFS.
type Levels struct {
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
	PeakLeft  float64 `json:"peak_left"`
	PeakRight float64 `json:"peak_right"`
	ClipLeft  int     `json:"clip_left,omitzero"`
	ClipRight int     `json:"clip_right,omitzero"`
}

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}
