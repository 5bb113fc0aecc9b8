package dpm

import (
	"context"
	"errors"

	"github.com/elagil/go-usbpd/message"
	"github.com/elagil/go-usbpd/policy"
)

// eprCurrentMargin mirrors the teacher's cvCurrentMargin: extra headroom
// (in 50 mA units) added to a PPS/AVS current request so the source does
// not current-limit right at the sink's operating point.
const eprCurrentMargin = 3 // 150 mA in 50 mA units

var (
	errNoSuitablePDO = errors.New("dpm: no PDO in capabilities satisfies the policy")
)

// wrapIfEPR wraps req in an EPR_Request payload when its selected
// object position falls beyond the SPR range; a plain RDO otherwise.
func wrapIfEPR(req message.PowerSource, caps message.SourceCapabilities) message.PowerSource {
	if int(req.ObjectPosition()) <= message.SourceCapabilitiesSPRLimit {
		return req
	}
	if wrapped, ok := BuildEPRRequest(req, caps); ok {
		return wrapped
	}
	return req
}

// eprAVSCurrentLimit50mA returns the maximum current (50 mA units) an EPR
// AVS PDO can sustain at millivolts, derived from its PD Power rating
// (AVS encodes power, not current, per USB PD Table 6.16).
func eprAVSCurrentLimit50mA(pdo message.EprAdjustableVoltageSupply, millivolts uint32) uint8 {
	if millivolts == 0 {
		return 0
	}
	milliamps := uint32(pdo.RawPDP()) * 1_000_000 / millivolts
	units := milliamps / 50
	if units > 0x7F {
		units = 0x7F
	}
	return uint8(units)
}

// CCPolicy is a constant-current sink policy: the source is expected to
// drop voltage under load to hold current at or below the negotiated
// ceiling, and raise it back up to the negotiated voltage otherwise.
// Useful for driving LEDs or charging Li-ion batteries directly.
// Constant current is only available from Programmable Power Supply
// (PPS/AVS) PDOs; most PD sources do not implement it.
type CCPolicy struct {
	policy.BaseDPM

	// MinVoltage and MaxVoltage bound the acceptable voltage range, in
	// millivolts, when current is below MaxCurrent.
	MinVoltage, MaxVoltage uint32

	// MinCurrent and MaxCurrent bound the acceptable current, in
	// milliamps, that must be sustained under all load conditions.
	MinCurrent, MaxCurrent uint32

	// PreferLowerVoltage prefers the lowest-voltage profile in range
	// instead of the default highest.
	PreferLowerVoltage bool
}

// Request implements policy.DPM.
func (c CCPolicy) Request(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
	var best message.PowerSource
	var bestVoltage uint32
	found := false
	if c.PreferLowerVoltage {
		bestVoltage = ^uint32(0)
	}

	consider := func(pos uint8, minV, maxV, maxCurrent uint32, build func(v uint32) message.PowerSource) {
		lo, hi := c.MinVoltage, c.MaxVoltage
		if lo < minV {
			lo = minV
		}
		if hi > maxV {
			hi = maxV
		}
		if lo > hi || maxCurrent < c.MinCurrent {
			return
		}
		v := hi
		if c.PreferLowerVoltage {
			v = lo
		}
		if (c.PreferLowerVoltage && (!found || v < bestVoltage)) || (!c.PreferLowerVoltage && (!found || v > bestVoltage)) {
			best, bestVoltage, found = build(v), v, true
		}
	}

	for i, p := range caps.Pdos() {
		pos := uint8(i + 1)
		switch {
		case p.Augmented != nil && p.Augmented.Spr != nil:
			spr := *p.Augmented.Spr
			current := uint32(spr.RawMaxCurrent()) * 50
			consider(pos, uint32(spr.RawMinVoltage())*100, uint32(spr.RawMaxVoltage())*100, current, func(v uint32) message.PowerSource {
				cur := current
				if cur > c.MaxCurrent {
					cur = c.MaxCurrent
				}
				rdo := message.NewPPSRequest(pos, uint16(v/20), uint8(cur/50))
				return message.PowerSource{PPS: &rdo}
			})
		case p.Augmented != nil && p.Augmented.Epr != nil:
			avs := *p.Augmented.Epr
			minV, maxV := uint32(avs.RawMinVoltage())*100, uint32(avs.RawMaxVoltage())*100
			current := uint32(eprAVSCurrentLimit50mA(avs, maxV)) * 50
			consider(pos, minV, maxV, current, func(v uint32) message.PowerSource {
				cur := eprAVSCurrentLimit50mA(avs, v)
				if uint32(cur)*50 > c.MaxCurrent {
					cur = uint8(c.MaxCurrent / 50)
				}
				rdo := message.NewAVSRequest(pos, uint16(v/20), cur)
				return wrapIfEPR(message.PowerSource{AVS: &rdo}, caps)
			})
		}
	}
	if !found {
		return message.PowerSource{}, errNoSuitablePDO
	}
	return best, nil
}

// CVPolicy is a constant-voltage sink policy: the source is expected to
// hold the negotiated voltage and supply at least the negotiated
// current. Fixed Supply PDOs are preferred over PPS/AVS unless
// PreferPPS is set; PPS/AVS requests get a current margin so the source
// does not current-limit right at the operating point.
type CVPolicy struct {
	policy.BaseDPM

	MinVoltage, MaxVoltage uint32 // millivolts
	Current                uint32 // milliamps, required at the negotiated voltage

	PreferLowerVoltage bool
	PreferPPS          bool
}

// Request implements policy.DPM.
func (c CVPolicy) Request(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
	var bestFixed, bestVariable message.PowerSource
	haveFixed, haveVariable := false, false
	var bestFixedVoltage, bestVariableVoltage uint32
	if c.PreferLowerVoltage {
		bestFixedVoltage, bestVariableVoltage = ^uint32(0), ^uint32(0)
	}

	for i, p := range caps.Pdos() {
		pos := uint8(i + 1)
		switch {
		case p.FixedSupply != nil:
			fs := *p.FixedSupply
			v := fs.Voltage()
			if v < c.MinVoltage || v > c.MaxVoltage || fs.MaxCurrent() < c.Current {
				continue
			}
			if (c.PreferLowerVoltage && (!haveFixed || v < bestFixedVoltage)) || (!c.PreferLowerVoltage && (!haveFixed || v > bestFixedVoltage)) {
				cur := uint16(c.Current / 10)
				rdo := message.NewFixedVariableSupply(pos, cur, fs.RawMaxCurrent(), false)
				bestFixed, bestFixedVoltage, haveFixed = message.PowerSource{FixedVariableSupply: &rdo}, v, true
			}
		case p.Augmented != nil && p.Augmented.Spr != nil:
			spr := *p.Augmented.Spr
			lo, hi := c.MinVoltage, c.MaxVoltage
			if lo < uint32(spr.RawMinVoltage())*100 {
				lo = uint32(spr.RawMinVoltage()) * 100
			}
			if hi > uint32(spr.RawMaxVoltage())*100 {
				hi = uint32(spr.RawMaxVoltage()) * 100
			}
			needed := c.Current + eprCurrentMargin*50
			if lo > hi || uint32(spr.RawMaxCurrent())*50 < needed {
				continue
			}
			v := hi
			if c.PreferLowerVoltage {
				v = lo
			}
			if (c.PreferLowerVoltage && (!haveVariable || v < bestVariableVoltage)) || (!c.PreferLowerVoltage && (!haveVariable || v > bestVariableVoltage)) {
				rdo := message.NewPPSRequest(pos, uint16(v/20), uint8(needed/50))
				bestVariable, bestVariableVoltage, haveVariable = message.PowerSource{PPS: &rdo}, v, true
			}
		case p.Augmented != nil && p.Augmented.Epr != nil:
			avs := *p.Augmented.Epr
			lo, hi := c.MinVoltage, c.MaxVoltage
			if lo < uint32(avs.RawMinVoltage())*100 {
				lo = uint32(avs.RawMinVoltage()) * 100
			}
			if hi > uint32(avs.RawMaxVoltage())*100 {
				hi = uint32(avs.RawMaxVoltage()) * 100
			}
			if lo > hi {
				continue
			}
			v := hi
			if c.PreferLowerVoltage {
				v = lo
			}
			needed := c.Current + eprCurrentMargin*50
			if uint32(eprAVSCurrentLimit50mA(avs, v))*50 < needed {
				continue
			}
			if (c.PreferLowerVoltage && (!haveVariable || v < bestVariableVoltage)) || (!c.PreferLowerVoltage && (!haveVariable || v > bestVariableVoltage)) {
				rdo := message.NewAVSRequest(pos, uint16(v/20), uint8(needed/50))
				bestVariable, bestVariableVoltage, haveVariable = wrapIfEPR(message.PowerSource{AVS: &rdo}, caps), v, true
			}
		}
	}

	switch {
	case !haveFixed && !haveVariable:
		return message.PowerSource{}, errNoSuitablePDO
	case !haveFixed:
		return bestVariable, nil
	case !haveVariable:
		return bestFixed, nil
	case c.PreferPPS:
		return bestVariable, nil
	default:
		return bestFixed, nil
	}
}

// CPPolicy is a constant-power sink policy: the source is expected to
// supply the negotiated power at the negotiated voltage. It is a special
// case of CVPolicy where current is derived from power and voltage.
type CPPolicy struct {
	policy.BaseDPM

	MinVoltage, MaxVoltage uint32 // millivolts
	PowerMilliwatts        uint32

	PreferLowerVoltage bool
	PreferPPS          bool
}

// Request implements policy.DPM.
func (c CPPolicy) Request(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
	var bestFixed, bestVariable message.PowerSource
	haveFixed, haveVariable := false, false
	var bestFixedVoltage, bestVariableVoltage uint32
	if c.PreferLowerVoltage {
		bestFixedVoltage, bestVariableVoltage = ^uint32(0), ^uint32(0)
	}

	for i, p := range caps.Pdos() {
		pos := uint8(i + 1)
		switch {
		case p.FixedSupply != nil:
			fs := *p.FixedSupply
			v := fs.Voltage()
			if v < c.MinVoltage || v > c.MaxVoltage || v == 0 {
				continue
			}
			neededCurrent := c.PowerMilliwatts * 1000 / v
			if fs.MaxCurrent() < neededCurrent {
				continue
			}
			if (c.PreferLowerVoltage && (!haveFixed || v < bestFixedVoltage)) || (!c.PreferLowerVoltage && (!haveFixed || v > bestFixedVoltage)) {
				cur := uint16(neededCurrent / 10)
				rdo := message.NewFixedVariableSupply(pos, cur, fs.RawMaxCurrent(), false)
				bestFixed, bestFixedVoltage, haveFixed = message.PowerSource{FixedVariableSupply: &rdo}, v, true
			}
		case p.Augmented != nil && p.Augmented.Spr != nil:
			spr := *p.Augmented.Spr
			lo, hi := c.MinVoltage, c.MaxVoltage
			if lo < uint32(spr.RawMinVoltage())*100 {
				lo = uint32(spr.RawMinVoltage()) * 100
			}
			if hi > uint32(spr.RawMaxVoltage())*100 {
				hi = uint32(spr.RawMaxVoltage()) * 100
			}
			if lo > hi || hi == 0 {
				continue
			}
			v := hi
			if c.PreferLowerVoltage {
				v = lo
			}
			neededCurrent := c.PowerMilliwatts*1000/v + eprCurrentMargin*50
			if uint32(spr.RawMaxCurrent())*50 < neededCurrent {
				continue
			}
			if (c.PreferLowerVoltage && (!haveVariable || v < bestVariableVoltage)) || (!c.PreferLowerVoltage && (!haveVariable || v > bestVariableVoltage)) {
				rdo := message.NewPPSRequest(pos, uint16(v/20), uint8(neededCurrent/50))
				bestVariable, bestVariableVoltage, haveVariable = message.PowerSource{PPS: &rdo}, v, true
			}
		case p.Augmented != nil && p.Augmented.Epr != nil:
			avs := *p.Augmented.Epr
			lo, hi := c.MinVoltage, c.MaxVoltage
			if lo < uint32(avs.RawMinVoltage())*100 {
				lo = uint32(avs.RawMinVoltage()) * 100
			}
			if hi > uint32(avs.RawMaxVoltage())*100 {
				hi = uint32(avs.RawMaxVoltage()) * 100
			}
			if lo > hi || uint32(avs.RawPDP())*1000 < c.PowerMilliwatts {
				continue
			}
			v := hi
			if c.PreferLowerVoltage {
				v = lo
			}
			neededCurrent := c.PowerMilliwatts*1000/v + eprCurrentMargin*50
			if uint32(eprAVSCurrentLimit50mA(avs, v))*50 < neededCurrent {
				continue
			}
			if (c.PreferLowerVoltage && (!haveVariable || v < bestVariableVoltage)) || (!c.PreferLowerVoltage && (!haveVariable || v > bestVariableVoltage)) {
				rdo := message.NewAVSRequest(pos, uint16(v/20), uint8(neededCurrent/50))
				bestVariable, bestVariableVoltage, haveVariable = wrapIfEPR(message.PowerSource{AVS: &rdo}, caps), v, true
			}
		}
	}

	switch {
	case !haveFixed && !haveVariable:
		return message.PowerSource{}, errNoSuitablePDO
	case !haveFixed:
		return bestVariable, nil
	case !haveVariable:
		return bestFixed, nil
	case c.PreferPPS:
		return bestVariable, nil
	default:
		return bestFixed, nil
	}
}
