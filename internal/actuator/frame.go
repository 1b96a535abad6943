package actuator

const (
	SOF0 = 0xAA
	SOF1 = 0x55

	CmdSetPWM = 0x20
	CmdBuzz   = 0x30
)

// Frame is one command for the servo/buzzer MCU.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// PWMFrame sets PCA9685 channel ch to a 12-bit on-count.
func PWMFrame(ch int, value int) Frame {
	v := uint16(clampPWM(value))
	return Frame{Cmd: CmdSetPWM, Payload: []byte{byte(ch), byte(v >> 8), byte(v)}}
}

// BuzzFrame sounds the buzzer at freq Hz for ms milliseconds.
func BuzzFrame(freq, ms int) Frame {
	return Frame{Cmd: CmdBuzz, Payload: []byte{byte(freq >> 8), byte(freq), byte(ms)}}
}

// Encode builds the on-wire representation:
//
//	[SOF0][SOF1][LEN][CMD][payload...][CKS]
//
// LEN counts CMD and payload; CKS is the XOR of LEN, CMD and payload.
func (f Frame) Encode() []byte {
	length := byte(len(f.Payload) + 1) // +1 for CMD byte
	cks := length ^ f.Cmd
	for _, b := range f.Payload {
		cks ^= b
	}

	out := make([]byte, 0, len(f.Payload)+5)
	out = append(out, SOF0, SOF1, length, f.Cmd)
	out = append(out, f.Payload...)
	out = append(out, cks)
	return out
}

func clampPWM(v int) int {
	if v < 0 {
		return 0
	}
	if v > 4095 {
		return 4095
	}
	return v
}
