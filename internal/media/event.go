package media

// Event is the tagged variant an encoder emits on its event channel.
// Exactly one of FormatChanged, FrameReady or Failed.
type Event interface {
	TrackKind() Kind
	isEvent()
}

// FormatChanged announces the output format of a track.
type FormatChanged struct {
	Track  Kind
	Format Format
}

// FrameReady carries one encoded frame.
type FrameReady struct {
	Track Kind
	Frame Frame
}

// Failed reports a runtime encoder failure. No further events follow.
type Failed struct {
	Track Kind
	Err   error
}

func (e FormatChanged) TrackKind() Kind { return e.Track }
func (e FrameReady) TrackKind() Kind    { return e.Track }
func (e Failed) TrackKind() Kind        { return e.Track }

func (FormatChanged) isEvent() {}
func (FrameReady) isEvent()    {}
func (Failed) isEvent()        {}
