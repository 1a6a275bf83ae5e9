package downloads

// Status represents the current state of a resource fetch.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Progress reports the state of fetching one resource (a tool build,
// an atlas archive, a classifier model).
type Progress struct {
	Resource        string  `json:"resource"`
	Status          Status  `json:"status"`
	Message         string  `json:"message"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	Percent         float64 `json:"percent"`
}

// ProgressCallback receives structured progress updates.
type ProgressCallback func(Progress)

// ByteProgressCallback receives raw byte counts while downloading.
type ByteProgressCallback func(downloaded, total int64)
