package nvml

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// FallbackName resolves a marketing name from the PCI database when the
// device name query failed. pciDeviceID packs the 16-bit device id in the
// upper half and the 16-bit vendor id in the lower half, as reported by
// the binding's PCI info query. Returns "" when no match is found.
func FallbackName(pciDeviceID, pciSubsysID uint32) string {
	vendorID := fmt.Sprintf("%04x", pciDeviceID&0xffff)
	deviceID := fmt.Sprintf("%04x", pciDeviceID>>16)

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID := fmt.Sprintf("%04x", pciSubsysID&0xffff)
	subDeviceID := fmt.Sprintf("%04x", pciSubsysID>>16)
	if pciSubsysID != 0 {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				if subsystem.Name != "" {
					return subsystem.Name
				}
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}
