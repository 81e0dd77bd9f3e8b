package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial negotiates with a SOCKS5 server over rw and asks it to CONNECT to
// address.
func ClientDial(rw io.ReadWriter, auth Auth, address string) error {
	if err := ClientNegotiate(rw, auth); err != nil {
		return err
	}
	return ClientConnect(rw, address)
}

func ClientNegotiate(rw io.ReadWriter, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return errors.New("server requires username/password")
		}
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	default:
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

func ClientConnect(rw io.ReadWriter, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("connect %s: reply code %d", address, rep.Rep)
	}
	return nil
}
