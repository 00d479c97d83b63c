// Package modbus implements the Modbus-TCP/UDP wire protocol, the
// gateway's address-routing table over the register banks, and the
// TCP+UDP servers that accept client connections.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// FunctionCode identifies a Modbus PDU's operation.
type FunctionCode byte

const (
	FuncReadCoils                 FunctionCode = 0x01
	FuncReadDiscreteInputs        FunctionCode = 0x02
	FuncReadHoldingRegisters      FunctionCode = 0x03
	FuncReadInputRegisters        FunctionCode = 0x04
	FuncWriteSingleCoil           FunctionCode = 0x05
	FuncWriteSingleRegister       FunctionCode = 0x06
	FuncWriteMultipleCoils        FunctionCode = 0x0F
	FuncWriteMultipleRegisters    FunctionCode = 0x10
	FuncMaskWriteRegister         FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
	FuncReadInputRegistersExtended FunctionCode = 0x42
	FuncReportSlaveID             FunctionCode = 0x11

	exceptionBit FunctionCode = 0x80
)

// ExceptionCode is the single-byte payload of an exception response.
type ExceptionCode byte

const (
	ExceptionIllegalFunction    ExceptionCode = 0x01
	ExceptionIllegalDataAddress ExceptionCode = 0x02
	ExceptionIllegalDataValue   ExceptionCode = 0x03
	ExceptionSlaveOrServerBusy  ExceptionCode = 0x06
)

func (e ExceptionCode) Error() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionSlaveOrServerBusy:
		return "slave or server busy"
	default:
		return fmt.Sprintf("exception 0x%02x", byte(e))
	}
}

// mbapLength is the fixed length, in bytes, of the Modbus-TCP MBAP
// header (transaction ID, protocol ID, length, unit ID).
const mbapLength = 7

const tcpProtocolIdentifier = 0

// MaxADULength bounds a single Modbus-TCP/UDP frame.
const MaxADULength = 260

// Request is a parsed inbound ADU: the MBAP header's addressing
// fields plus the decoded PDU.
type Request struct {
	TransactionID uint16
	UnitID        byte
	Function      FunctionCode
	Payload       []byte // PDU bytes after the function code
}

// DecodeRequest parses a full Modbus-TCP/UDP frame (MBAP header + PDU)
// into a Request.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) < mbapLength+1 {
		return Request{}, fmt.Errorf("modbus: frame too short (%d bytes)", len(frame))
	}
	transactionID := binary.BigEndian.Uint16(frame[0:2])
	protocolID := binary.BigEndian.Uint16(frame[2:4])
	length := binary.BigEndian.Uint16(frame[4:6])
	unitID := frame[6]

	if protocolID != tcpProtocolIdentifier {
		return Request{}, fmt.Errorf("modbus: unexpected protocol id %d", protocolID)
	}
	if int(length) < 2 || mbapLength-1+int(length) > len(frame) {
		return Request{}, fmt.Errorf("modbus: inconsistent length field %d", length)
	}

	pdu := frame[mbapLength : mbapLength-1+int(length)]
	return Request{
		TransactionID: transactionID,
		UnitID:        unitID,
		Function:      FunctionCode(pdu[0]),
		Payload:       pdu[1:],
	}, nil
}

// EncodeResponse builds a full Modbus-TCP/UDP frame from a successful
// reply's PDU payload (function code byte included by the caller via
// fn, data holds everything after the function code).
func EncodeResponse(transactionID uint16, unitID byte, fn FunctionCode, data []byte) []byte {
	pduLen := 1 + len(data)
	frame := make([]byte, mbapLength+pduLen)
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+pduLen))
	frame[6] = unitID
	frame[7] = byte(fn)
	copy(frame[8:], data)
	return frame
}

// EncodeException builds an exception-response frame: function code
// with the high bit set, followed by the single exception-code byte.
func EncodeException(transactionID uint16, unitID byte, fn FunctionCode, code ExceptionCode) []byte {
	frame := make([]byte, mbapLength+2)
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(frame[4:6], 3)
	frame[6] = unitID
	frame[7] = byte(fn) | byte(exceptionBit)
	frame[8] = byte(code)
	return frame
}

// wordsToBytes packs a slice of 16-bit words into big-endian bytes.
func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}

// bytesToWords unpacks big-endian byte pairs into 16-bit words.
func bytesToWords(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return out
}

// bitsToBytes packs a slice of bools into a Modbus coil-status byte
// array (bit 0 of byte 0 is the first coil, LSB-first).
func bitsToBytes(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
