// Package proxy accepts inbound connections and prepares each one for the
// relay: it installs the stage that decides the target for the configured
// mode, followed by a relay engine.
//
// Supported modes are a fixed target, transparent redirection, SOCKS5 and
// HTTP CONNECT.
package proxy
