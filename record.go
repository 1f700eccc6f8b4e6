package tailcursor

// Marker is a source-assigned position of a record. Markers are opaque to the
// reader: a Source validates them with CheckMarker and orders them with Less.
// The zero Marker means "nothing delivered yet".
type Marker string

func (m Marker) IsZero() bool {
	return m == ""
}

func (m Marker) String() string {
	if m == "" {
		return "<none>"
	}
	return string(m)
}

type Record struct {
	Marker  Marker
	Payload []byte
}

type RecordBatch struct {
	// Marker of the last record in the batch.
	Marker  Marker
	Records []Record
}

func (b *RecordBatch) append(rec Record) {
	b.Records = append(b.Records, rec)
	b.Marker = rec.Marker
}

func (b *RecordBatch) Len() int {
	return len(b.Records)
}
