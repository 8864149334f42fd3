package utils

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ClusterNameFromHost derives a cluster name from a database host name.
// "db-orders-1.prod.example.com:3306" becomes "db-orders-1". Localhost and IP
// addresses carry no useful name, so the machine's hostname is used instead.
func ClusterNameFromHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "", fmt.Errorf("server name not found in host %q", host)
	}

	if strings.ToLower(host) == "localhost" || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}

	serverName := strings.Split(host, ".")[0]
	if serverName == "" {
		return "", fmt.Errorf("server name not found in host %q", host)
	}
	return strings.ToLower(serverName), nil
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	if num, err := strconv.Atoi(host); err == nil {
		return num >= 0 && num <= 255
	}

	// Dotted prefixes of an address, e.g. '127.0'
	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) >= 4 {
			return false
		}
		for _, part := range parts {
			num, err := strconv.Atoi(part)
			if part == "" || err != nil || num < 0 || num > 255 {
				return false
			}
		}
		return true
	}

	return false
}
