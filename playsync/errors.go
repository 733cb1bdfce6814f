package playsync

import "fmt"

var (
	ErrStreamUnready      = fmt.Errorf("stream not ready")
	ErrInvalidMasterIndex = fmt.Errorf("invalid master index")
	ErrCorrectionApply    = fmt.Errorf("correction not applied")
	ErrNoStreams          = fmt.Errorf("no streams to synchronize")
)
