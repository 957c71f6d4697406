package asr

// StaticDevice describes the accelerator behind the ASR server as
// configured at startup. FreeBytes = 0 means no accelerator; model
// selection then runs in CPU mode.
type StaticDevice struct {
	FreeBytes uint64
}

func (d StaticDevice) Available() bool    { return d.FreeBytes > 0 }
func (d StaticDevice) FreeMemory() uint64 { return d.FreeBytes }

// ReleaseCache is a no-op: the remote server reclaims checkpoint memory
// when requests stop naming the evicted model.
func (d StaticDevice) ReleaseCache() {}
