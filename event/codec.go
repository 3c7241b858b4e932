package event

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxField caps every string/bytes field so a hostile producer cannot make
// the decoder allocate unbounded memory.
const MaxField = 1 << 20

// Envelope field numbers below the variant range.
const (
	fieldTS         = 1
	fieldSensorGUID = 2
)

// Decode error kinds.
const (
	// ErrTruncated means the buffer ended inside a tag or value.
	ErrTruncated = iota
	// ErrUnknownVariant means the envelope carried no payload variant at all.
	ErrUnknownVariant
	// ErrSchemaViolation means the bytes parsed but violate the event schema.
	ErrSchemaViolation
)

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Code int
	Msg  string
}

func (e *DecodeError) Error() string {
	switch e.Code {
	case ErrTruncated:
		return "truncated: " + e.Msg
	case ErrUnknownVariant:
		return "unknown variant: " + e.Msg
	default:
		return "schema violation: " + e.Msg
	}
}

func truncated(msg string) error       { return &DecodeError{Code: ErrTruncated, Msg: msg} }
func schemaViolation(msg string) error { return &DecodeError{Code: ErrSchemaViolation, Msg: msg} }

// Encode serializes an event envelope. The inverse of Decode for every
// variant; locally emitted events (scan results) travel through the same
// path as kernel frames.
func Encode(e *Event) []byte {
	b := protowire.AppendTag(nil, fieldTS, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.TS)
	b = protowire.AppendTag(b, fieldSensorGUID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(e.SensorGUID))

	var body []byte
	num := protowire.Number(e.Payload.Kind())
	switch p := e.Payload.(type) {
	case *FileEvent:
		body = appendFile(p)
	case *NetworkEvent:
		body = appendNetwork(p)
	case *ProcessEvent:
		body = appendProcess(p)
	case *ScanResult:
		body = appendScan(p)
	case *EtwEvent:
		body = appendEtw(p)
	case *HookEvent:
		body = appendHook(p)
	case *ImageLoadEvent:
		body = appendImageLoad(p)
	case *RegistryEvent:
		body = appendRegistry(p)
	case *GenericEvent:
		num = protowire.Number(p.Tag)
		body = p.Raw
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

// Decode parses an envelope, dispatches on the payload tag, validates the
// variant, and returns the typed event together with a copy of the original
// bytes. Unknown envelope fields are skipped; an unknown variant tag decodes
// to a GenericEvent that keeps the raw sub-message.
func Decode(buf []byte) (*Event, error) {
	ev := &Event{Raw: append([]byte(nil), buf...)}
	b := buf
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, truncated("envelope tag")
		}
		b = b[n:]

		switch {
		case num == fieldTS && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, truncated("ts")
			}
			ev.TS = v
			b = b[n:]
		case num == fieldSensorGUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, truncated("sensor_guid")
			}
			if len(v) > MaxField {
				return nil, schemaViolation("sensor_guid too long")
			}
			ev.SensorGUID = string(v)
			b = b[n:]
		case num >= KindFile && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, truncated("payload")
			}
			p, err := decodePayload(int(num), v)
			if err != nil {
				return nil, err
			}
			ev.Payload = p
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, truncated("unknown field")
			}
			b = b[n:]
		}
	}
	if ev.Payload == nil {
		return nil, &DecodeError{Code: ErrUnknownVariant, Msg: "envelope has no payload"}
	}
	if err := ev.Payload.Validate(); err != nil {
		return nil, schemaViolation(err.Error())
	}
	return ev, nil
}

func decodePayload(tag int, body []byte) (Payload, error) {
	switch tag {
	case KindFile:
		return decodeFile(body)
	case KindNetwork:
		return decodeNetwork(body)
	case KindProcess:
		return decodeProcess(body)
	case KindScan:
		return decodeScan(body)
	case KindEtw:
		return decodeEtw(body)
	case KindHook:
		return decodeHook(body)
	case KindImageLoad:
		return decodeImageLoad(body)
	case KindRegistry:
		return decodeRegistry(body)
	}
	// Additive schema evolution: keep the raw bytes for a newer reader.
	return &GenericEvent{Tag: tag, Raw: append([]byte(nil), body...)}, nil
}

// fieldReader walks the fields of one sub-message, skipping anything the
// callback does not claim. This is what makes every variant tolerant of
// fields added by newer producers.
func fieldReader(body []byte, what string, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return truncated(what + " tag")
		}
		b = b[n:]
		consumed, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return truncated(what + " field")
			}
		}
		b = b[consumed:]
	}
	return nil
}

func readVarint(b []byte, what string) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, truncated(what)
	}
	return v, n, nil
}

func readBytes(b []byte, what string) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, truncated(what)
	}
	if len(v) > MaxField {
		return nil, 0, schemaViolation(what + " exceeds field cap")
	}
	return v, n, nil
}

func appendFile(p *FileEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(p.Op))
	b = appendBytesField(b, 2, []byte(p.Path))
	if p.NewPath != "" {
		b = appendBytesField(b, 3, []byte(p.NewPath))
	}
	b = appendVarintField(b, 4, uint64(p.PID))
	b = appendBytesField(b, 5, []byte(p.ExePath))
	b = appendVarintField(b, 6, p.Size)
	if len(p.SHA256) > 0 {
		b = appendBytesField(b, 7, p.SHA256)
	}
	b = appendBoolField(b, 8, p.Success)
	return b
}

func decodeFile(body []byte) (Payload, error) {
	p := &FileEvent{}
	err := fieldReader(body, "file_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "file_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				if v > uint64(FileRename) {
					return 0, schemaViolation(fmt.Sprintf("file op %d", v))
				}
				p.Op = FileOp(v)
			case 4:
				p.PID = uint32(v)
			case 6:
				p.Size = v
			case 8:
				p.Success = v != 0
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "file_event bytes")
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				p.Path = string(v)
			case 3:
				p.NewPath = string(v)
			case 5:
				p.ExePath = string(v)
			case 7:
				p.SHA256 = append([]byte(nil), v...)
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func appendNetwork(p *NetworkEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(p.Direction))
	b = appendBytesField(b, 2, []byte(p.Proto))
	b = appendBytesField(b, 3, []byte(p.SrcIP))
	b = appendVarintField(b, 4, uint64(p.SrcPort))
	b = appendBytesField(b, 5, []byte(p.DstIP))
	b = appendVarintField(b, 6, uint64(p.DstPort))
	b = appendVarintField(b, 7, uint64(p.PID))
	b = appendBytesField(b, 8, []byte(p.ExePath))
	b = appendVarintField(b, 9, p.Bytes)
	b = appendBoolField(b, 10, p.Blocked)
	return b
}

func decodeNetwork(body []byte) (Payload, error) {
	p := &NetworkEvent{}
	err := fieldReader(body, "network_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "network_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				if v > uint64(DirOut) {
					return 0, schemaViolation(fmt.Sprintf("direction %d", v))
				}
				p.Direction = Direction(v)
			case 4:
				p.SrcPort = uint16(v)
			case 6:
				p.DstPort = uint16(v)
			case 7:
				p.PID = uint32(v)
			case 9:
				p.Bytes = v
			case 10:
				p.Blocked = v != 0
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "network_event bytes")
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				p.Proto = string(v)
			case 3:
				p.SrcIP = string(v)
			case 5:
				p.DstIP = string(v)
			case 8:
				p.ExePath = string(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func appendProcess(p *ProcessEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(p.PID))
	b = appendVarintField(b, 2, uint64(p.PPID))
	b = appendBytesField(b, 3, []byte(p.ImagePath))
	b = appendBytesField(b, 4, []byte(p.Cmdline))
	return b
}

func decodeProcess(body []byte) (Payload, error) {
	p := &ProcessEvent{}
	err := fieldReader(body, "process_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "process_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.PID = uint32(v)
			case 2:
				p.PPID = uint32(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "process_event bytes")
			if err != nil {
				return 0, err
			}
			switch num {
			case 3:
				p.ImagePath = string(v)
			case 4:
				p.Cmdline = string(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func appendScan(p *ScanResult) []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(p.RuleID))
	b = appendBytesField(b, 2, []byte(p.FilePath))
	for _, m := range p.Matches {
		b = appendVarintField(b, 3, uint64(m))
	}
	b = appendVarintField(b, 4, uint64(p.Severity))
	return b
}

func decodeScan(body []byte) (Payload, error) {
	p := &ScanResult{}
	err := fieldReader(body, "scan_result", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "scan_result varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 3:
				p.Matches = append(p.Matches, uint32(v))
			case 4:
				if v > uint64(SeverityCritical) {
					return 0, schemaViolation(fmt.Sprintf("severity %d", v))
				}
				p.Severity = Severity(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "scan_result bytes")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.RuleID = string(v)
			case 2:
				p.FilePath = string(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func appendEtw(p *EtwEvent) []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(p.ProviderGUID))
	b = appendVarintField(b, 2, uint64(p.EventID))
	b = appendVarintField(b, 3, uint64(p.Level))
	b = appendVarintField(b, 4, uint64(p.PID))
	b = appendVarintField(b, 5, uint64(p.TID))
	b = appendBytesField(b, 6, p.JSONPayload)
	return b
}

func decodeEtw(body []byte) (Payload, error) {
	p := &EtwEvent{}
	err := fieldReader(body, "etw_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "etw_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				p.EventID = uint32(v)
			case 3:
				p.Level = uint32(v)
			case 4:
				p.PID = uint32(v)
			case 5:
				p.TID = uint32(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "etw_event bytes")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.ProviderGUID = string(v)
			case 6:
				p.JSONPayload = append([]byte(nil), v...)
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

// Hook detail sub-message field numbers inside HookEvent.
const (
	hookFieldCreateThread = 10
	hookFieldMapView      = 11
	hookFieldProtectVM    = 12
	hookFieldSetValueKey  = 13
)

func appendHook(p *HookEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(p.PID))
	b = appendVarintField(b, 2, uint64(p.TID))
	b = appendVarintField(b, 3, uint64(p.Status))

	var detail []byte
	var num protowire.Number
	switch d := p.Detail.(type) {
	case *NtCreateThreadExDetail:
		num = hookFieldCreateThread
		detail = appendVarintField(detail, 1, d.StartRoutine)
		detail = appendVarintField(detail, 2, d.StartArgument)
		detail = appendVarintField(detail, 3, d.CreateFlags)
		detail = appendVarintField(detail, 4, d.ProcessHandle)
		detail = appendVarintField(detail, 5, d.DesiredAccess)
	case *NtMapViewOfSectionDetail:
		num = hookFieldMapView
		detail = appendVarintField(detail, 1, d.BaseAddress)
		detail = appendVarintField(detail, 2, d.ViewSize)
		detail = appendVarintField(detail, 3, d.Win32Protect)
		detail = appendVarintField(detail, 4, d.AllocationType)
		detail = appendVarintField(detail, 5, d.ProcessHandle)
	case *NtProtectVirtualMemoryDetail:
		num = hookFieldProtectVM
		detail = appendVarintField(detail, 1, d.BaseAddress)
		detail = appendVarintField(detail, 2, d.RegionSize)
		detail = appendVarintField(detail, 3, d.NewProtect)
		detail = appendVarintField(detail, 4, d.OldProtect)
	case *NtSetValueKeyDetail:
		num = hookFieldSetValueKey
		detail = appendBytesField(detail, 1, []byte(d.KeyPath))
		detail = appendBytesField(detail, 2, []byte(d.ValueName))
		detail = appendVarintField(detail, 3, uint64(d.ValueType))
		detail = appendVarintField(detail, 4, uint64(d.DataSize))
	}
	if num != 0 {
		b = appendBytesField(b, num, detail)
	}
	return b
}

func decodeHook(body []byte) (Payload, error) {
	p := &HookEvent{}
	err := fieldReader(body, "hook_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "hook_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.PID = uint32(v)
			case 2:
				p.TID = uint32(v)
			case 3:
				p.Status = int64(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "hook_event detail")
			if err != nil {
				return 0, err
			}
			switch num {
			case hookFieldCreateThread, hookFieldMapView, hookFieldProtectVM, hookFieldSetValueKey:
				d, err := decodeHookDetail(num, v)
				if err != nil {
					return 0, err
				}
				p.Detail = d
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func decodeHookDetail(num protowire.Number, body []byte) (HookDetail, error) {
	switch num {
	case hookFieldCreateThread:
		d := &NtCreateThreadExDetail{}
		err := eachVarint(body, "nt_create_thread_ex", map[protowire.Number]*uint64{
			1: &d.StartRoutine, 2: &d.StartArgument, 3: &d.CreateFlags,
			4: &d.ProcessHandle, 5: &d.DesiredAccess,
		})
		return d, err
	case hookFieldMapView:
		d := &NtMapViewOfSectionDetail{}
		err := eachVarint(body, "nt_map_view_of_section", map[protowire.Number]*uint64{
			1: &d.BaseAddress, 2: &d.ViewSize, 3: &d.Win32Protect,
			4: &d.AllocationType, 5: &d.ProcessHandle,
		})
		return d, err
	case hookFieldProtectVM:
		d := &NtProtectVirtualMemoryDetail{}
		err := eachVarint(body, "nt_protect_virtual_memory", map[protowire.Number]*uint64{
			1: &d.BaseAddress, 2: &d.RegionSize, 3: &d.NewProtect, 4: &d.OldProtect,
		})
		return d, err
	default:
		d := &NtSetValueKeyDetail{}
		err := fieldReader(body, "nt_set_value_key", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if typ == protowire.VarintType {
				v, n, err := readVarint(b, "nt_set_value_key varint")
				if err != nil {
					return 0, err
				}
				switch num {
				case 3:
					d.ValueType = uint32(v)
				case 4:
					d.DataSize = uint32(v)
				default:
					return 0, nil
				}
				return n, nil
			}
			if typ == protowire.BytesType {
				v, n, err := readBytes(b, "nt_set_value_key bytes")
				if err != nil {
					return 0, err
				}
				switch num {
				case 1:
					d.KeyPath = string(v)
				case 2:
					d.ValueName = string(v)
				default:
					return 0, nil
				}
				return n, nil
			}
			return 0, nil
		})
		return d, err
	}
}

// eachVarint fills the mapped varint fields of an all-integer sub-message.
func eachVarint(body []byte, what string, dst map[protowire.Number]*uint64) error {
	return fieldReader(body, what, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return 0, nil
		}
		v, n, err := readVarint(b, what)
		if err != nil {
			return 0, err
		}
		if p, ok := dst[num]; ok {
			*p = v
		}
		return n, nil
	})
}

func appendImageLoad(p *ImageLoadEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, p.ImageBase)
	b = appendVarintField(b, 2, p.ImageSize)
	b = appendBytesField(b, 3, []byte(p.FullImageName))
	b = appendVarintField(b, 4, uint64(p.ProcessID))
	return b
}

func decodeImageLoad(body []byte) (Payload, error) {
	p := &ImageLoadEvent{}
	err := fieldReader(body, "image_load_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "image_load_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.ImageBase = v
			case 2:
				p.ImageSize = v
			case 4:
				p.ProcessID = uint32(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "image_load_event bytes")
			if err != nil {
				return 0, err
			}
			if num == 3 {
				p.FullImageName = string(v)
				return n, nil
			}
			return 0, nil
		}
		return 0, nil
	})
	return p, err
}

func appendRegistry(p *RegistryEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(p.OpType))
	b = appendBytesField(b, 2, []byte(p.KeyPath))
	if len(p.OldValue) > 0 {
		b = appendBytesField(b, 3, p.OldValue)
	}
	if len(p.NewValue) > 0 {
		b = appendBytesField(b, 4, p.NewValue)
	}
	b = appendVarintField(b, 5, uint64(p.ProcessID))
	return b
}

func decodeRegistry(body []byte) (Payload, error) {
	p := &RegistryEvent{}
	err := fieldReader(body, "registry_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := readVarint(b, "registry_event varint")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.OpType = uint32(v)
			case 5:
				p.ProcessID = uint32(v)
			default:
				return 0, nil
			}
			return n, nil
		}
		if typ == protowire.BytesType {
			v, n, err := readBytes(b, "registry_event bytes")
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				p.KeyPath = string(v)
			case 3:
				p.OldValue = append([]byte(nil), v...)
			case 4:
				p.NewValue = append([]byte(nil), v...)
			default:
				return 0, nil
			}
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	var x uint64
	if v {
		x = 1
	}
	return appendVarintField(b, num, x)
}
