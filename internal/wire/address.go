package wire

import "fmt"

// Address identifies a single device of a messaging account.
type Address struct {
	ACI    string
	Device uint32
}

// NewAddress returns an Address for the given account and device.
func NewAddress(aci string, device uint32) Address {
	return Address{ACI: aci, Device: device}
}

// String renders the address as "aci.device", the form used as a store key.
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.ACI, a.Device)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.ACI == "" && a.Device == 0
}
