//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

// loginKeychain stores secrets as generic passwords in the login keychain.
type loginKeychain struct{}

func newSecretStore() keychain { return loginKeychain{} }

func (loginKeychain) Get(service, account string) (string, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return "", fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (loginKeychain) Set(service, account, value string) error {
	return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
}
