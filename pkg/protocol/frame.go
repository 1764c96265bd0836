package protocol

import "bytes"

// FrameDecoder splits an incoming byte stream into newline-delimited records.
// The transport makes no framing guarantee: a chunk may contain zero, one, or
// many complete records and may end mid-record. Bytes after the last delimiter
// stay buffered until the next Feed call, so a record is only ever yielded
// once its terminating delimiter has arrived.
//
// The zero value is ready to use.
type FrameDecoder struct {
	buf []byte
}

// Feed appends chunk to the pending buffer and returns every complete record
// now available, in arrival order. Empty records (a bare delimiter, or a lone
// "\r\n") are discarded. Decoding a record as JSON is the caller's concern.
func (d *FrameDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		record := make([]byte, len(line))
		copy(record, line)
		records = append(records, record)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return records
}

// Pending returns the number of buffered bytes not yet terminated by a
// delimiter.
func (d *FrameDecoder) Pending() int {
	return len(d.buf)
}

// Reset discards any buffered bytes. Called when the connection drops so a
// truncated record from the old stream can never leak into the next one.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}
