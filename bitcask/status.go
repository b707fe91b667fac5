package bitcask

// Status reports the size accounting of an engine.
type Status struct {
	Name            string
	Keys            uint64
	Size            uint64
	TotalDiskSize   uint64
	LiveDiskSize    uint64
	GarbageDiskSize uint64
	FileName        string
}

// GarbageRatio is the share of the file taken by overwritten or deleted entries.
func (s *Status) GarbageRatio() float64 {
	if s.TotalDiskSize == 0 {
		return 0
	}
	return float64(s.GarbageDiskSize) / float64(s.TotalDiskSize)
}
