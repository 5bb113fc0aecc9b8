package message

// Data is the decoded payload of a (non-extended) data message.
type Data struct {
	SourceCapabilities *SourceCapabilities
	SinkCapabilities   *SinkCapabilities
	Request            *PowerSource
	EPRMode            *EPRModeDataObject
	VendorDefined      *VendorDefined
	Unknown            bool
}

// ToBytes serializes the data payload.
func (d Data) ToBytes(payload []byte) int {
	switch {
	case d.SinkCapabilities != nil:
		return d.SinkCapabilities.ToBytes(payload)
	case d.Request != nil:
		return d.Request.ToBytes(payload)
	case d.EPRMode != nil:
		return d.EPRMode.ToBytes(payload)
	default:
		// SourceCapabilities/VendorDefined/Unknown are never serialized by
		// a sink: a sink receives capabilities and VDMs, it does not send
		// them.
		return 0
	}
}

func parseData(msg Message, t DataMessageType, payload []byte, lookup PDOKindLookup) (Data, error) {
	n := int(msg.Header.NumDataObjects())
	switch t {
	case DataSourceCapabilities:
		return Data{SourceCapabilities: ptrSourceCaps(ParseSourceCapabilities(payload, n))}, nil

	case DataSinkCapabilities:
		caps := parseSinkCapabilities(payload, n)
		return Data{SinkCapabilities: &caps}, nil

	case DataRequest:
		if len(payload) < 4 {
			return Data{Unknown: true}, nil
		}
		raw := leUint32(payload)
		var ps PowerSource
		if kind, ok := lookup.AtObjectPosition(rawObjectPosition(raw)); ok {
			ps = parseRequestByKind(kind, raw)
		} else {
			u := raw
			ps = PowerSource{UnknownRaw: &u}
		}
		return Data{Request: &ps}, nil

	case DataEPRRequest:
		// Per USB PD 3.x Section 6.4.9, EPR_Request always carries 2 data
		// objects: the RDO followed by a copy of the selected PDO.
		if n != 2 || len(payload) < 8 {
			return Data{Unknown: true}, nil
		}
		rdo := leUint32(payload)
		pdo := ParseRawPDO(leUint32(payload[4:]))
		ps := PowerSource{EPRRequest: &EPRRequestDataObject{RDO: rdo, PDO: pdo}}
		return Data{Request: &ps}, nil

	case DataEPRMode:
		if len(payload) < 4 {
			return Data{Unknown: true}, nil
		}
		e := EPRModeDataObjectFromBytes(payload)
		return Data{EPRMode: &e}, nil

	case DataVendorDefined:
		if len(payload) < 4 {
			return Data{Unknown: true}, nil
		}
		vdm := VendorDefined{Header: parseVDMHeader(leUint32(payload))}
		rest := payload[4:]
		for vdm.N < 7 && (vdm.N+1)*4 <= len(rest) {
			vdm.Data[vdm.N] = leUint32(rest[vdm.N*4:])
			vdm.N++
		}
		return Data{VendorDefined: &vdm}, nil

	default:
		return Data{Unknown: true}, nil
	}
}

func ptrSourceCaps(c SourceCapabilities) *SourceCapabilities { return &c }

func parseSinkCapabilities(payload []byte, n int) SinkCapabilities {
	var c SinkCapabilities
	for i := 0; i < n && i < MaxSinkPDOs && (i+1)*4 <= len(payload); i++ {
		raw := leUint32(payload[i*4:])
		v := SinkFixedSupply(raw) // sink caps sent to us are observational only; decode as fixed by default
		c.PDOs[i] = SinkPowerDataObject{FixedSupply: &v}
		c.N++
	}
	return c
}

// ParseEPRSourceCapabilities decodes a reassembled EPR_Source_Capabilities
// extended payload (raw PDOs, 4 bytes each) into a SourceCapabilities.
// Called by the protocol layer once chunk reassembly completes.
func ParseEPRSourceCapabilities(payload []byte) SourceCapabilities {
	return ParseSourceCapabilities(payload, len(payload)/4)
}

// ParseEPRSinkCapabilities decodes a reassembled EPR_Sink_Capabilities
// extended payload into a SinkCapabilities.
func ParseEPRSinkCapabilities(payload []byte) SinkCapabilities {
	return parseSinkCapabilities(payload, len(payload)/4)
}
