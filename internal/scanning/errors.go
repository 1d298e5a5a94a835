package scanning

import "fmt"

// Stage names the step of the pipeline a remote failure happened in.
type Stage string

const (
	StageOpen     Stage = "open"
	StageClassify Stage = "classify"
	StageExtract  Stage = "extract"
)

// DecodeError reports upload bytes that could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RemoteCallError wraps any failure talking to the inference service:
// auth, network, quota and malformed responses all land here.
type RemoteCallError struct {
	Stage Stage
	Err   error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s call: %v", e.Stage, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }
