package core

import (
	"fmt"
	"strings"
)

// CloudInitUserData returns cloud-init YAML that prepares a fresh host as a
// deploy target:
//   - creates the deploy user in the docker group with the given key
//   - disables password and root SSH logins
//   - installs docker and curl (the remote health probe uses curl)
func CloudInitUserData(username, sshAuthorizedKey string) string {
	if username == "" {
		username = "deploy"
	}
	return fmt.Sprintf(`#cloud-config
groups:
  - docker
users:
  - name: %s
    groups: [docker]
    shell: /bin/bash
    ssh_authorized_keys:
      - %s
ssh_pwauth: false
disable_root: true
package_update: true
packages:
  - docker.io
  - curl
write_files:
  - path: /etc/ssh/sshd_config.d/99-hoist.conf
    permissions: '0644'
    content: |
      PermitRootLogin no
      PasswordAuthentication no
      KbdInteractiveAuthentication no
      UsePAM yes
  - path: /etc/hoist/.keep
    permissions: '0644'
    content: ""
runcmd:
  - [systemctl, enable, --now, docker]
  - [chown, -R, "%s:%s", /etc/hoist]
  - [systemctl, reload, ssh]
`, username, strings.TrimSpace(sshAuthorizedKey), username, username)
}
