package profile

// Builtin returns the profiles compiled into the binary.
func Builtin() []Definition {
	return []Definition{tuya3PhaseMeter()}
}

// tuya3PhaseMeter is the TS0601 three-phase DIN rail meter sold under
// manufacturer name _TZE204_loejka0i.
func tuya3PhaseMeter() Definition {
	energy := func(dp uint8, slot string, divisor float64, label string) Entry {
		return Entry{DP: dp, Decoder: "single", Divisor: divisor, Slot: slot,
			Unit: "kWh", DeviceClass: "energy", StateClass: "total", Label: label, TranslationKey: slot}
	}
	voltage := func(dp uint8, slot, label string) Entry {
		return Entry{DP: dp, Decoder: "single", Divisor: 10, Slot: slot,
			Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Label: label}
	}
	current := func(dp uint8, slot, label string) Entry {
		return Entry{DP: dp, Decoder: "single", Divisor: 1000, Slot: slot,
			Unit: "A", DeviceClass: "current", StateClass: "measurement", Label: label}
	}
	power := func(dp uint8, slot, label string) Entry {
		return Entry{DP: dp, Decoder: "single", Divisor: 1, Slot: slot,
			Unit: "W", DeviceClass: "apparent_power", StateClass: "measurement", Label: label, TranslationKey: slot}
	}
	powerFactor := func(dp uint8, slot, label string) Entry {
		return Entry{DP: dp, Decoder: "single", Divisor: 1000, Slot: slot,
			DeviceClass: "power_factor", StateClass: "measurement", Label: label}
	}

	return Definition{
		Manufacturer: "_TZE204_loejka0i",
		Model:        "TS0601",
		FriendlyName: "Tuya 3-phase power meter",
		Datapoints: []Entry{
			energy(1, "energy", 1000, "Total energy"),
			energy(2, "produced_energy", 100, "Produced energy"),
			powerFactor(15, "power_factor", "Power factor"),
			{DP: 101, Decoder: "single", Divisor: 100, Slot: "ac_frequency",
				Unit: "Hz", DeviceClass: "frequency", StateClass: "measurement", Label: "AC frequency"},
			voltage(102, "voltage_a", "Voltage phase A"),
			current(103, "current_a", "Current phase A"),
			power(104, "power_a", "Power phase A"),
			voltage(105, "voltage_b", "Voltage phase B"),
			current(106, "current_b", "Current phase B"),
			power(107, "power_b", "Power phase B"),
			voltage(108, "voltage_c", "Voltage phase C"),
			current(109, "current_c", "Current phase C"),
			power(110, "power_c", "Power phase C"),
			power(111, "power", "Power"),
			energy(112, "energy_ph_a", 1000, "Energy phase A"),
			energy(113, "energy_produced_a", 100, "Energy produced phase A"),
			energy(114, "energy_ph_b", 100, "Energy phase B"),
			energy(115, "energy_produced_b", 100, "Energy produced phase B"),
			energy(116, "energy_ph_c", 100, "Energy phase C"),
			energy(117, "energy_produced_c", 100, "Energy produced phase C"),
			powerFactor(118, "power_factor_ph_a", "Power factor phase A"),
			powerFactor(119, "power_factor_ph_b", "Power factor phase B"),
			powerFactor(120, "power_factor_ph_c", "Power factor phase C"),
		},
		Constants: []ConstantEntry{
			{Slot: "ac_current_multiplier", Value: 1},
			{Slot: "ac_current_divisor", Value: 1000},
			{Slot: "ac_voltage_multiplier", Value: 1},
			{Slot: "ac_voltage_divisor", Value: 10},
		},
	}
}
