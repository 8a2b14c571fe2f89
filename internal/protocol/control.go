package protocol

// ControlMsgTypeResetVideo is the only control message a recorder sends.
const ControlMsgTypeResetVideo = 17

// ControlMessage is a message sent upstream on the control connection.
type ControlMessage struct {
	Type uint8
	Data []byte
}

// SerializeControlMessage encodes a control message: type (1 byte) followed
// by the type-specific payload.
func SerializeControlMessage(msg *ControlMessage) []byte {
	buf := make([]byte, 0, 1+len(msg.Data))
	buf = append(buf, msg.Type)
	return append(buf, msg.Data...)
}

// ResetVideoMessage asks the sender to restart its video encoder, which
// makes the next emitted frame a keyframe.
func ResetVideoMessage() []byte {
	return SerializeControlMessage(&ControlMessage{Type: ControlMsgTypeResetVideo})
}
