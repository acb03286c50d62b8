package instance

import (
	"time"

	"github.com/tispace-dev/tispace/internal/store"
)

// CreateRequest is the body of POST /instances.
type CreateRequest struct {
	Name        string  `json:"name" validate:"required,min=1,max=63"`
	CPU         int     `json:"cpu" validate:"required,min=1,max=16"`
	Memory      int     `json:"memory" validate:"required,min=1,max=64"`
	DiskSize    int     `json:"disk_size" validate:"required,min=10,max=500"`
	Image       string  `json:"image" validate:"omitempty"`
	Runtime     Runtime `json:"runtime" validate:"omitempty"`
	NodeName    string  `json:"node_name" validate:"omitempty"`
	StoragePool string  `json:"storage_pool" validate:"omitempty"`
}

// Runtime mirrors store.Runtime for request decoding; validator struct
// tags apply to named types the same as to string, so this alias exists
// only for readability in CreateRequest/UpdateRequest.
type Runtime = store.Runtime

// UpdateRequest is the body of PATCH /instances/{name}. Only accepted when
// the instance's current status is Stopped (spec.md §4.3).
type UpdateRequest struct {
	CPU     int     `json:"cpu" validate:"required,min=1,max=16"`
	Memory  int     `json:"memory" validate:"required,min=1,max=64"`
	Runtime Runtime `json:"runtime" validate:"required"`
}

// Response is the wire representation of an instance returned by the API.
type Response struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	CPU         int    `json:"cpu"`
	MemoryGiB   int    `json:"memory_gib"`
	DiskGiB     int    `json:"disk_gib"`
	Image       string `json:"image"`
	Runtime     string `json:"runtime"`
	NodeName    string `json:"node_name,omitempty"`
	StoragePool string `json:"storage_pool,omitempty"`

	Hostname string `json:"hostname"`
	Password string `json:"password,omitempty"`

	SSHHost string `json:"ssh_host,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`

	ExternalIP string `json:"external_ip,omitempty"`

	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListResponse is the body of GET /instances.
type ListResponse struct {
	Instances []Response `json:"instances"`
}

// ToResponse converts a persisted instance into its wire representation.
func ToResponse(i store.Instance) Response {
	return Response{
		Name:        i.Name,
		Owner:       i.Owner,
		CPU:         i.CPU,
		MemoryGiB:   i.MemoryGiB,
		DiskGiB:     i.DiskGiB,
		Image:       i.Image,
		Runtime:     string(i.Runtime),
		NodeName:    i.NodeName,
		StoragePool: i.StoragePool,
		Hostname:    i.Hostname,
		Password:    i.Password,
		SSHHost:     i.SSHHost,
		SSHPort:     i.SSHPort,
		ExternalIP:  i.ExternalIP,
		Status:      string(i.Status),
		LastError:   i.LastError,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}
