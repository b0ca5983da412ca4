package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case string(RoleBackend):
		return backendTemplate, nil
	case string(RoleFrontend):
		return frontendTemplate, nil
	case "nats":
		return natsTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const backendTemplate = `role = "backend"
transport = "websocket"
label = "mmrm"
identity = "backend"
expected_peer = "frontend"
call_timeout = "300ms"
max_frame_size = 240
max_recv_errors = 5
max_clients = 64
value_ceiling = 0
log_level = "info"

[websocket]
listen = ":9240"
path = "/mmrm"
token = ""

[admin]
listen = "127.0.0.1:9241"

[backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true
`

const frontendTemplate = `role = "frontend"
transport = "websocket"
label = "mmrm"
identity = "frontend"
expected_peer = "backend"
call_timeout = "300ms"
max_frame_size = 240
max_recv_errors = 5
max_clients = 64
log_level = "info"

[websocket]
url = "ws://127.0.0.1:9240/mmrm"
token = ""

[admin]
listen = "127.0.0.1:9242"

[backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true
`

const natsTemplate = `role = "backend"
transport = "nats"
label = "mmrm"
identity = "backend"
expected_peer = "frontend"
call_timeout = "300ms"
max_frame_size = 240
max_clients = 64

[nats]
url = "nats://127.0.0.1:4222"

[admin]
listen = "127.0.0.1:9241"
`
