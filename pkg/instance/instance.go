// Package instance implements the admission layer for TiSpace instances:
// request validation, quota and uniqueness enforcement, and the HTTP
// handlers that translate verified callers into state-store mutations.
package instance

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"

	"github.com/tispace-dev/tispace/internal/store"
)

// nameRegexp enforces the DNS-label shape: lowercase alnum/hyphen, not
// starting or ending in a hyphen. Go's RE2 engine has no lookahead, so the
// "not all digits" rule from the name specification is checked separately
// in ValidName rather than folded into this pattern.
var nameRegexp = regexp.MustCompile(`^(?:[a-z0-9]|[a-z0-9][a-z0-9-]{0,61}[a-z0-9])$`)

// validImages is the known set of rootfs images instances may request.
var validImages = map[string]struct{}{
	"centos:7":        {},
	"ubuntu:20.04":    {},
	"ubuntu:22.04":    {},
	"centos:9-Stream": {},
}

const defaultImage = "ubuntu:22.04"

// ValidName reports whether name satisfies spec.md's instance name rule.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	if isAllDigits(name) {
		return false
	}
	return nameRegexp.MatchString(name)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidImage reports whether image is one of the known rootfs images.
func ValidImage(image string) bool {
	_, ok := validImages[image]
	return ok
}

// ValidRuntime reports whether runtime is a known backend runtime.
func ValidRuntime(r store.Runtime) bool {
	switch r {
	case store.RuntimeRunc, store.RuntimeKata, store.RuntimeLXC, store.RuntimeKVM:
		return true
	default:
		return false
	}
}

// Hostname derives an instance's guest hostname from its owner and name.
func Hostname(owner, name string) string {
	return fmt.Sprintf("%s-%s", owner, name)
}

const passwordLength = 16

var passwordAlphabet = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")

// GeneratePassword returns a 16-character mixed-case alphanumeric one-time
// SSH initialization password.
func GeneratePassword() string {
	b := make([]byte, passwordLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	out := make([]byte, passwordLength)
	for i, v := range b {
		out[i] = passwordAlphabet[int(v)%len(passwordAlphabet)]
	}
	return string(out)
}

// New builds the initial Pending-status record for a create request. The
// caller is responsible for admission (quota, uniqueness) before persisting.
func New(owner string, req CreateRequest) store.Instance {
	image := req.Image
	if image == "" {
		image = defaultImage
	}
	runtime := req.Runtime
	if runtime == "" {
		runtime = store.RuntimeRunc
	}

	now := time.Now()
	return store.Instance{
		Name:        req.Name,
		Owner:       owner,
		CPU:         req.CPU,
		MemoryGiB:   req.Memory,
		DiskGiB:     req.DiskSize,
		Image:       image,
		Runtime:     runtime,
		NodeName:    req.NodeName,
		StoragePool: req.StoragePool,
		Hostname:    Hostname(owner, req.Name),
		Password:    GeneratePassword(),
		Status:      store.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
