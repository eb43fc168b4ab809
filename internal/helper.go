package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Flag to determine if we're logging to a terminal (with colors) or a file
var IsTerminal bool

func init() {
	fileInfo, _ := os.Stdout.Stat()
	IsTerminal = (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// colorize adds ANSI color to a string if the output is a terminal
func colorize(s string, color string) string {
	if IsTerminal {
		return fmt.Sprintf("%s%s%s", color, s, colorReset)
	}
	return s
}

// AmqpDecimal is the AMQP decimal field-table value
type AmqpDecimal struct {
	Scale uint8
	Value int32
}

// getFrameTypeName returns a string representation of a frame type
func getFrameTypeName(frameType byte) string {
	switch frameType {
	case FrameMethod:
		return "METHOD"
	case FrameHeader:
		return "HEADER"
	case FrameBody:
		return "BODY"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", frameType)
	}
}

// getClassName returns a string representation of a class ID
func getClassName(classId uint16) string {
	switch classId {
	case ClassConnection:
		return "connection"
	case ClassChannel:
		return "channel"
	case ClassExchange:
		return "exchange"
	case ClassQueue:
		return "queue"
	case ClassBasic:
		return "basic"
	case ClassConfirm:
		return "confirm"
	case ClassTx:
		return "tx"
	default:
		return fmt.Sprintf("unknown(%d)", classId)
	}
}

// getMethodName returns a string representation of a method ID within a class
func getMethodName(classId uint16, methodId uint16) string {
	switch classId {
	case ClassConnection:
		switch methodId {
		case MethodConnectionStart:
			return "start"
		case MethodConnectionStartOk:
			return "start-ok"
		case MethodConnectionSecure:
			return "secure"
		case MethodConnectionSecureOk:
			return "secure-ok"
		case MethodConnectionTune:
			return "tune"
		case MethodConnectionTuneOk:
			return "tune-ok"
		case MethodConnectionOpen:
			return "open"
		case MethodConnectionOpenOk:
			return "open-ok"
		case MethodConnectionClose:
			return "close"
		case MethodConnectionCloseOk:
			return "close-ok"
		case MethodConnectionClose08:
			return "close"
		case MethodConnectionCloseOk08:
			return "close-ok"
		}
	case ClassChannel:
		switch methodId {
		case MethodChannelOpen:
			return "open"
		case MethodChannelOpenOk:
			return "open-ok"
		case MethodChannelFlow:
			return "flow"
		case MethodChannelFlowOk:
			return "flow-ok"
		case MethodChannelClose:
			return "close"
		case MethodChannelCloseOk:
			return "close-ok"
		}
	case ClassExchange:
		switch methodId {
		case MethodExchangeDeclare:
			return "declare"
		case MethodExchangeDeclareOk:
			return "declare-ok"
		case MethodExchangeDelete:
			return "delete"
		case MethodExchangeDeleteOk:
			return "delete-ok"
		}
	case ClassQueue:
		switch methodId {
		case MethodQueueDeclare:
			return "declare"
		case MethodQueueDeclareOk:
			return "declare-ok"
		case MethodQueueBind:
			return "bind"
		case MethodQueueBindOk:
			return "bind-ok"
		case MethodQueueUnbind:
			return "unbind"
		case MethodQueueUnbindOk:
			return "unbind-ok"
		case MethodQueuePurge:
			return "purge"
		case MethodQueuePurgeOk:
			return "purge-ok"
		case MethodQueueDelete:
			return "delete"
		case MethodQueueDeleteOk:
			return "delete-ok"
		}
	case ClassBasic:
		switch methodId {
		case MethodBasicQos:
			return "qos"
		case MethodBasicQosOk:
			return "qos-ok"
		case MethodBasicConsume:
			return "consume"
		case MethodBasicConsumeOk:
			return "consume-ok"
		case MethodBasicCancel:
			return "cancel"
		case MethodBasicCancelOk:
			return "cancel-ok"
		case MethodBasicPublish:
			return "publish"
		case MethodBasicDeliver:
			return "deliver"
		case MethodBasicReturn:
			return "return"
		case MethodBasicAck:
			return "ack"
		case MethodBasicReject:
			return "reject"
		case MethodBasicNack:
			return "nack"
		case MethodBasicGet:
			return "get"
		case MethodBasicGetOk:
			return "get-ok"
		case MethodBasicGetEmpty:
			return "get-empty"
		case MethodBasicRecover:
			return "recover"
		case MethodBasicRecoverOk:
			return "recover-ok"
		}
	case ClassConfirm:
		switch methodId {
		case MethodConfirmSelect:
			return "select"
		case MethodConfirmSelectOk:
			return "select-ok"
		}
	case ClassTx:
		switch methodId {
		case MethodTxSelect:
			return "select"
		case MethodTxSelectOk:
			return "select-ok"
		case MethodTxCommit:
			return "commit"
		case MethodTxCommitOk:
			return "commit-ok"
		case MethodTxRollback:
			return "rollback"
		case MethodTxRollbackOk:
			return "rollback-ok"
		}
	}
	return fmt.Sprintf("unknown(%d)", methodId)
}

// getFullMethodName returns the complete method name as class.method
func getFullMethodName(classId uint16, methodId uint16) string {
	return fmt.Sprintf("%s.%s", getClassName(classId), getMethodName(classId, methodId))
}

func readShortString(reader *bytes.Reader) (string, error) {
	var length uint8
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("reading short string length: %w", err)
	}

	if length == 0 {
		return "", nil
	}

	if int(length) > reader.Len() {
		return "", fmt.Errorf("not enough data for short string: expected %d, available %d", length, reader.Len())
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return "", fmt.Errorf("reading short string data (expected %d bytes): %w", length, err)
	}
	return string(data), nil
}

func readLongString(reader *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("reading long string length: %w", err)
	}

	if length == 0 {
		return "", nil
	}

	if int(length) > reader.Len() {
		return "", fmt.Errorf("not enough data for long string: expected %d, available %d", length, reader.Len())
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return "", fmt.Errorf("reading long string data (expected %d bytes): %w", length, err)
	}
	return string(data), nil
}

// readLongStringBytes reads a long string as raw bytes; SASL responses are
// binary and must not round-trip through a string.
func readLongStringBytes(reader *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("reading long string length: %w", err)
	}

	if length == 0 {
		return []byte{}, nil
	}

	if int(length) > reader.Len() {
		return nil, fmt.Errorf("not enough data for long string: expected %d, available %d", length, reader.Len())
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("reading long string data (expected %d bytes): %w", length, err)
	}
	return data, nil
}

func writeShortString(writer *bytes.Buffer, s string) {
	writer.WriteByte(uint8(len(s)))
	writer.WriteString(s)
}

func writeLongString(writer *bytes.Buffer, s []byte) {
	binary.Write(writer, binary.BigEndian, uint32(len(s)))
	writer.Write(s)
}

// shortStringLen is the encoded size of a short string: one length octet
// plus the bytes.
func shortStringLen(s string) int {
	return 1 + len(s)
}

func readFieldValue(reader *bytes.Reader, valueType byte) (interface{}, error) {
	switch valueType {
	case 't': // boolean
		b, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading boolean value: %w", err)
		}
		return b != 0, nil
	case 'b': // octet / byte (signed int8)
		var val int8
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int8 value: %w", err)
		}
		return val, nil
	case 's': // short-int (signed int16)
		var val int16
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int16 value: %w", err)
		}
		return val, nil
	case 'I': // long-int (signed int32)
		var val int32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int32 value: %w", err)
		}
		return val, nil
	case 'l': // long-long-int (signed int64)
		var val int64
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int64 value: %w", err)
		}
		return val, nil
	case 'f': // float
		var val float32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading float32 value: %w", err)
		}
		return val, nil
	case 'd': // double
		var val float64
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading float64 value: %w", err)
		}
		return val, nil
	case 'D': // decimal-value
		var scale uint8
		if err := binary.Read(reader, binary.BigEndian, &scale); err != nil {
			return nil, fmt.Errorf("reading decimal scale: %w", err)
		}
		var val int32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading decimal value: %w", err)
		}
		return AmqpDecimal{Scale: scale, Value: val}, nil
	case 'S': // long-string
		strVal, err := readLongString(reader)
		if err != nil {
			return nil, fmt.Errorf("reading long string field value: %w", err)
		}
		return strVal, nil
	case 'A': // field-array
		var arrayPayloadLength uint32
		if err := binary.Read(reader, binary.BigEndian, &arrayPayloadLength); err != nil {
			return nil, fmt.Errorf("reading field array payload length: %w", err)
		}
		if arrayPayloadLength == 0 {
			return []interface{}{}, nil
		}

		if int(arrayPayloadLength) > reader.Len() {
			return nil, fmt.Errorf("not enough data for field array payload: expected %d, available %d", arrayPayloadLength, reader.Len())
		}

		arrayPayloadBytes := make([]byte, arrayPayloadLength)
		if _, err := io.ReadFull(reader, arrayPayloadBytes); err != nil {
			return nil, fmt.Errorf("reading field array payload bytes (expected %d): %w", arrayPayloadLength, err)
		}

		arrayDataReader := bytes.NewReader(arrayPayloadBytes)
		arr := make([]interface{}, 0)

		for arrayDataReader.Len() > 0 {
			valueTypeInArray, err := arrayDataReader.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("reading type in field array: %w", err)
			}
			val, errVal := readFieldValue(arrayDataReader, valueTypeInArray)
			if errVal != nil {
				return nil, fmt.Errorf("reading value in field array (type %c): %w", valueTypeInArray, errVal)
			}
			arr = append(arr, val)
		}
		return arr, nil
	case 'T': // timestamp (seconds since epoch)
		var val uint64
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading uint64 timestamp value: %w", err)
		}
		return val, nil
	case 'F': // nested field-table
		nestedTable, err := readTable(reader)
		if err != nil {
			return nil, fmt.Errorf("reading nested field table: %w", err)
		}
		return nestedTable, nil
	case 'x': // byte-array
		var length uint32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading byte array length: %w", err)
		}
		if length == 0 {
			return []byte{}, nil
		}

		if int(length) > reader.Len() {
			return nil, fmt.Errorf("not enough data for byte array: expected %d, available %d", length, reader.Len())
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, fmt.Errorf("reading byte array data (expected %d): %w", length, err)
		}
		return data, nil
	case 'V': // void
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported field table value type: %c (%d)", valueType, valueType)
	}
}

// writeFieldValue writes a single AMQP field value to the writer, including its type indicator.
func writeFieldValue(writer *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		writer.WriteByte('t')
		if v {
			writer.WriteByte(1)
		} else {
			writer.WriteByte(0)
		}
	case int8:
		writer.WriteByte('b')
		binary.Write(writer, binary.BigEndian, v)
	case uint8:
		writer.WriteByte('b')
		binary.Write(writer, binary.BigEndian, v)
	case int16:
		writer.WriteByte('s')
		binary.Write(writer, binary.BigEndian, v)
	case int32:
		writer.WriteByte('I')
		binary.Write(writer, binary.BigEndian, v)
	case int:
		writer.WriteByte('I')
		binary.Write(writer, binary.BigEndian, int32(v))
	case int64:
		writer.WriteByte('l')
		binary.Write(writer, binary.BigEndian, v)
	case uint64: // AMQP timestamp
		writer.WriteByte('T')
		binary.Write(writer, binary.BigEndian, v)
	case float32:
		writer.WriteByte('f')
		binary.Write(writer, binary.BigEndian, v)
	case float64:
		writer.WriteByte('d')
		binary.Write(writer, binary.BigEndian, v)
	case AmqpDecimal:
		writer.WriteByte('D')
		binary.Write(writer, binary.BigEndian, v.Scale)
		binary.Write(writer, binary.BigEndian, v.Value)
	case string:
		writer.WriteByte('S')
		strBytes := []byte(v)
		binary.Write(writer, binary.BigEndian, uint32(len(strBytes)))
		writer.Write(strBytes)
	case []byte: // byte-array
		writer.WriteByte('x')
		binary.Write(writer, binary.BigEndian, uint32(len(v)))
		writer.Write(v)
	case []interface{}: // field-array
		writer.WriteByte('A')
		arrayPayloadBuffer := &bytes.Buffer{}
		for _, item := range v {
			if err := writeFieldValue(arrayPayloadBuffer, item); err != nil {
				return fmt.Errorf("writing item of type %T in field array: %w", item, err)
			}
		}
		binary.Write(writer, binary.BigEndian, uint32(arrayPayloadBuffer.Len()))
		writer.Write(arrayPayloadBuffer.Bytes())
	case map[string]interface{}: // nested field-table
		writer.WriteByte('F')
		if err := writeTable(writer, v); err != nil {
			return fmt.Errorf("writing nested field table: %w", err)
		}
	case nil: // void
		writer.WriteByte('V')
	default:
		return fmt.Errorf("unsupported type for field table serialization: %T", v)
	}
	return nil
}

func readTable(reader *bytes.Reader) (map[string]interface{}, error) {
	var tablePayloadLength uint32
	if err := binary.Read(reader, binary.BigEndian, &tablePayloadLength); err != nil {
		return nil, fmt.Errorf("reading table payload length: %w", err)
	}

	if tablePayloadLength == 0 {
		return make(map[string]interface{}), nil
	}

	if int(tablePayloadLength) > reader.Len() {
		return nil, fmt.Errorf("not enough data for table payload: expected %d, available %d", tablePayloadLength, reader.Len())
	}

	tablePayloadBytes := make([]byte, tablePayloadLength)
	n, err := io.ReadFull(reader, tablePayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("reading table payload bytes (expected %d, read %d): %w", tablePayloadLength, n, err)
	}

	tableReader := bytes.NewReader(tablePayloadBytes)
	table := make(map[string]interface{})

	for tableReader.Len() > 0 {
		key, err := readShortString(tableReader)
		if err != nil {
			return table, fmt.Errorf("malformed table: error reading field key: %w", err)
		}

		if tableReader.Len() == 0 {
			if key != "" {
				return table, fmt.Errorf("malformed table: key '%s' read but no value type followed", key)
			}
			break
		}

		valueType, err := tableReader.ReadByte()
		if err != nil {
			return table, fmt.Errorf("reading value type for key '%s': %w", key, err)
		}

		value, err := readFieldValue(tableReader, valueType)
		if err != nil {
			return table, fmt.Errorf("reading value for key '%s' (type %c): %w", key, valueType, err)
		}
		table[key] = value
	}

	return table, nil
}

func writeTable(writer *bytes.Buffer, table map[string]interface{}) error {
	tablePayloadBuffer := &bytes.Buffer{}

	for key, value := range table {
		writeShortString(tablePayloadBuffer, key)

		if err := writeFieldValue(tablePayloadBuffer, value); err != nil {
			return fmt.Errorf("serializing value for key '%s' (type %T): %w", key, value, err)
		}
	}

	if err := binary.Write(writer, binary.BigEndian, uint32(tablePayloadBuffer.Len())); err != nil {
		return fmt.Errorf("writing table payload length: %w", err)
	}
	if _, err := writer.Write(tablePayloadBuffer.Bytes()); err != nil {
		return fmt.Errorf("writing table payload bytes: %w", err)
	}
	return nil
}

// tableString extracts a string-typed field from a decoded table, tolerating
// absent keys and non-string values.
func tableString(table map[string]interface{}, key string) (string, bool) {
	if table == nil {
		return "", false
	}
	v, ok := table[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// topicMatch checks if a topic pattern matches a routing key
// Supports AMQP wildcards: * (exactly one word) and # (zero or more words)
func topicMatch(pattern string, routingKey string) bool {
	if pattern == "" {
		return routingKey == ""
	}

	if pattern == "#" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	routingParts := strings.Split(routingKey, ".")

	// strings.Split("", ".") returns [""], but we want []
	if routingKey == "" {
		routingParts = []string{}
	}

	return matchParts(patternParts, routingParts)
}

// matchParts performs iterative matching with backtracking for #
func matchParts(patternParts, routingParts []string) bool {
	type state struct {
		pi, ri int
	}
	stack := []state{{0, 0}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pi, ri := current.pi, current.ri

		if pi >= len(patternParts) && ri >= len(routingParts) {
			return true
		}

		if pi >= len(patternParts) {
			continue
		}

		if ri >= len(routingParts) {
			allHash := true
			for i := pi; i < len(patternParts); i++ {
				if patternParts[i] != "#" {
					allHash = false
					break
				}
			}
			if allHash {
				return true
			}
			continue
		}

		pattern := patternParts[pi]

		switch pattern {
		case "#":
			for i := len(routingParts); i >= ri; i-- {
				stack = append(stack, state{pi + 1, i})
			}

		case "*":
			stack = append(stack, state{pi + 1, ri + 1})

		default:
			if pattern == routingParts[ri] {
				stack = append(stack, state{pi + 1, ri + 1})
			}
		}
	}

	return false
}

// formatBinary renders at most limit octets of payload as hex for debug
// logs.
func formatBinary(data []byte, limit int) string {
	if limit <= 0 || len(data) <= limit {
		return fmt.Sprintf("%d octets: %x", len(data), data)
	}
	return fmt.Sprintf("%d octets: %x...", len(data), data[:limit])
}

// curGoroutineID parses the goroutine id out of the runtime stack header.
// The process-pending drain is pinned to the connection's I/O goroutine;
// this is how the pin is enforced.
func curGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header looks like "goroutine 123 [running]:"
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
