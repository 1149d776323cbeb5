package common

//go:generate enumer -json -type StorageStatus -trimprefix Status

// StorageStatus is the availability of a product on the remote catalog
type StorageStatus int

const (
	StatusUNKNOWN StorageStatus = iota
	StatusONLINE
	StatusOFFLINE
	StatusSTAGING
)

// Status of a download job
type Status string

const (
	StatusDONE   Status = "DONE"
	StatusFAILED Status = "FAILED"
	StatusRETRY  Status = "RETRY"
)
