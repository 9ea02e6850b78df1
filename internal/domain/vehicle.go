package domain

type RegStatus string

const (
	RegActive         RegStatus = "active"
	RegMaintenance    RegStatus = "maintenance"
	RegDecommissioned RegStatus = "decommissioned"
)

type Vehicle struct {
	VIN        int64
	FleetID    int64
	SecretHash []byte
	Status     RegStatus
}

// CanReport reports whether the vehicle may submit telemetry at all.
func (v *Vehicle) CanReport() bool {
	return v.Status != RegDecommissioned
}
