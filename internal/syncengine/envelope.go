package syncengine

// PendingAttachment is a binary attachment recorded at paste/drop time and
// carried by exactly one envelope.
type PendingAttachment struct {
	// Payload is self-describing: a data URI holding the MIME type and the
	// base64 encoded bytes.
	Payload      string `json:"payload"`
	OriginalName string `json:"originalName"`
	// MatchKey is the exact substring of the document this attachment
	// corresponds to. The host replaces it once the bytes are stored.
	MatchKey string `json:"matchKey"`
	MimeType string `json:"mimeType"`
}

// Envelope is the unit handed to the host transport on every flush.
type Envelope struct {
	ID          string              `json:"id,omitempty"`
	Seq         uint64              `json:"seq,omitempty"`
	Content     string              `json:"content"`
	Attachments []PendingAttachment `json:"attachments"`
}

func cloneAttachments(in []PendingAttachment) []PendingAttachment {
	return append([]PendingAttachment{}, in...)
}
