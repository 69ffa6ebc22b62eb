package core

import "time"

// Image is a captured photo as it travels from the uploading device to the
// waiting tool call.
type Image struct {
	Data       []byte
	MIMEType   string
	ReceivedAt time.Time
}

// Empty reports whether the image carries no bytes.
func (i Image) Empty() bool {
	return len(i.Data) == 0
}
