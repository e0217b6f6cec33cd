package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative byte count every interval bytes.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress func(read, total int64)

	read       int64
	sinceCheck int64
}

// NewReader returns a Reader calling cb every interval bytes and once more at EOF.
// A non-positive interval reports on every read.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceCheck += int64(n)

		if pr.sinceCheck >= pr.interval {
			pr.onProgress(pr.read, pr.total)
			pr.sinceCheck = 0
		}
	}

	if err == io.EOF && pr.sinceCheck > 0 {
		pr.onProgress(pr.read, pr.total)
		pr.sinceCheck = 0
	}

	return n, err
}

// BytesRead is the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
