package identity

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/benmeehan/iot-tunnel/pkg/file"
)

// ErrNoDeviceID is returned when neither the identity file nor the
// configuration provide a device identifier.
var ErrNoDeviceID = errors.New("device identifier is not configured")

// Identity holds the device's unique identifier and other metadata.
type Identity struct {
	ID       string          `json:"device_id,omitempty"`
	Name     string          `json:"device_name,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// DeviceInfoInterface defines methods for reading the device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo(fallbackID string) error
	GetDeviceID() string
	GetDeviceIdentity() *Identity
}

// DeviceInfo manages the device identity and its associated file operations.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(filePath string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
	}
}

// LoadDeviceInfo reads the device information from the identity file.
// fallbackID is used when the file is absent or carries no identifier.
func (d *DeviceInfo) LoadDeviceInfo(fallbackID string) error {
	if d.DeviceInfoFile != "" {
		err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &d.Identity)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if d.Identity.ID == "" {
		d.Identity.ID = fallbackID
	}
	if d.Identity.ID == "" {
		return ErrNoDeviceID
	}
	return nil
}

// GetDeviceIdentity returns the current device Identity.
func (d *DeviceInfo) GetDeviceIdentity() *Identity {
	return &d.Identity
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	return d.Identity.ID
}
