package recording

// EventSink receives lifecycle events from a Controller. Events are
// delivered FIFO on a dedicated goroutine, never on the control queue, so
// implementations may call back into the Controller (the capture session
// calls Start from OnSegmentSwitch after rebinding the surface).
// Implementations must not block indefinitely.
type EventSink interface {
	// OnRecordStart fires exactly once per session, when segment 0 starts.
	OnRecordStart(cameraID string)

	// OnSegmentSwitch fires after a rotation has prepared the next
	// segment's encoder. The controller is now awaiting reconfiguration:
	// the owner must rebind the new surface and call Start again.
	OnSegmentSwitch(cameraID string, segmentIndex int)

	// OnRecordStop fires once per explicit stop of an active session.
	OnRecordStop(cameraID string)

	// OnRecordError reports prepare, start, and rotation failures.
	OnRecordError(cameraID, message string)
}

// SinkFuncs adapts plain functions to EventSink. Nil fields are no-ops.
type SinkFuncs struct {
	Start         func(cameraID string)
	SegmentSwitch func(cameraID string, segmentIndex int)
	Stop          func(cameraID string)
	Error         func(cameraID, message string)
}

func (s SinkFuncs) OnRecordStart(cameraID string) {
	if s.Start != nil {
		s.Start(cameraID)
	}
}

func (s SinkFuncs) OnSegmentSwitch(cameraID string, segmentIndex int) {
	if s.SegmentSwitch != nil {
		s.SegmentSwitch(cameraID, segmentIndex)
	}
}

func (s SinkFuncs) OnRecordStop(cameraID string) {
	if s.Stop != nil {
		s.Stop(cameraID)
	}
}

func (s SinkFuncs) OnRecordError(cameraID, message string) {
	if s.Error != nil {
		s.Error(cameraID, message)
	}
}
