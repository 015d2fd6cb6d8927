package packet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// US is the weewx unit system the Envoy readings are reported in.
const US = 1

// MaxPanels is the maximum number of solar panels that we can track.
const MaxPanels = 100

// Packet is a weewx LOOP packet or, with Interval set, an ARCHIVE record.
// Observations are nil when not observed.
type Packet struct {
	DateTime int64
	USUnits  int
	Interval *int // minutes

	Power       *float64 // W, instantaneous
	EnergyTotal *float64 // Wh, lifetime
	Energy      *float64 // Wh, delta since last packet

	GridPower       *float64
	GridEnergyTotal *float64
	GridEnergy      *float64

	PanelPower  map[int]float64 // keyed by panel index 1..MaxPanels
	PanelEnergy map[int]float64
}

func New(dateTime int64) *Packet {
	return &Packet{
		DateTime: dateTime,
		USUnits:  US,
	}
}

func Pointer[K any](val K) *K {
	return &val
}

// Fields returns the observation names of the archive schema in column order.
func Fields() []string {
	fields := []string{"energy_total", "power", "energy"}
	for i := 1; i <= MaxPanels; i++ {
		fields = append(fields, PanelField("power", i), PanelField("energy", i))
	}
	return append(fields, "grid_power", "grid_energy_total", "grid_energy")
}

func PanelField(prefix string, idx int) string {
	return prefix + "_" + strconv.Itoa(idx)
}

// ParsePanelField splits power_N / energy_N into its prefix and index.
func ParsePanelField(field string) (string, int, bool) {
	prefix, n, ok := strings.Cut(field, "_")
	if !ok || (prefix != "power" && prefix != "energy") {
		return "", 0, false
	}
	idx, err := strconv.Atoi(n)
	if err != nil || idx < 1 || idx > MaxPanels {
		return "", 0, false
	}
	return prefix, idx, true
}

func (p *Packet) scalar(field string) **float64 {
	switch field {
	case "power":
		return &p.Power
	case "energy_total":
		return &p.EnergyTotal
	case "energy":
		return &p.Energy
	case "grid_power":
		return &p.GridPower
	case "grid_energy_total":
		return &p.GridEnergyTotal
	case "grid_energy":
		return &p.GridEnergy
	}
	return nil
}

// Get returns the observation by weewx field name.
func (p *Packet) Get(field string) (float64, bool) {
	if f := p.scalar(field); f != nil {
		if *f == nil {
			return 0, false
		}
		return **f, true
	}
	prefix, idx, ok := ParsePanelField(field)
	if !ok {
		return 0, false
	}
	var v float64
	if prefix == "power" {
		v, ok = p.PanelPower[idx]
	} else {
		v, ok = p.PanelEnergy[idx]
	}
	return v, ok
}

// Set stores the observation by weewx field name.
func (p *Packet) Set(field string, v float64) error {
	if f := p.scalar(field); f != nil {
		*f = Pointer(v)
		return nil
	}
	prefix, idx, ok := ParsePanelField(field)
	if !ok {
		return fmt.Errorf("unknown observation %s", field)
	}
	if prefix == "power" {
		if p.PanelPower == nil {
			p.PanelPower = make(map[int]float64)
		}
		p.PanelPower[idx] = v
		return nil
	}
	if p.PanelEnergy == nil {
		p.PanelEnergy = make(map[int]float64)
	}
	p.PanelEnergy[idx] = v
	return nil
}

// Observed returns the names of all non nil observations.
func (p *Packet) Observed() []string {
	var fields []string
	for _, f := range Fields() {
		if _, ok := p.Get(f); ok {
			fields = append(fields, f)
		}
	}
	return fields
}

func (p Packet) Map() map[string]interface{} {
	m := make(map[string]interface{})
	m["dateTime"] = p.DateTime
	m["usUnits"] = p.USUnits
	if p.Interval != nil {
		m["interval"] = *p.Interval
	}
	for _, f := range p.Observed() {
		v, _ := p.Get(f)
		m[f] = v
	}
	return m
}

func (p Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

func (p Packet) String() string {
	b, err := json.Marshal(p.Map())
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// ObservationGroup maps a field to its weewx unit group.
func ObservationGroup(field string) string {
	switch {
	case strings.HasPrefix(field, "power"), strings.HasPrefix(field, "grid_power"):
		return "group_power"
	case strings.HasPrefix(field, "energy"), strings.HasPrefix(field, "grid_energy"):
		return "group_energy"
	}
	return ""
}

// Units of the weewx unit groups in the US unit system.
var Units = map[string]string{
	"group_power":  "watt",
	"group_energy": "watt_hour",
}
