// Package util holds HTTP helpers shared by the upstream clients.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// defaultSOCKSPort is used when a socks5 proxy URL carries no port.
const defaultSOCKSPort = "1080"

// CreateHTTPClient 创建支持代理的 HTTP 客户端
// 支持 socks5 / socks5h 和 HTTP/HTTPS 代理，proxyURL 为空时直连
func CreateHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{
			Timeout: timeout,
		}, nil
	}

	parsedProxy, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if parsedProxy.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL: missing host")
	}

	switch parsedProxy.Scheme {
	case "socks5", "socks5h":
		return createSOCKS5Client(parsedProxy, timeout)
	case "http", "https":
		return createHTTPProxyClient(parsedProxy, timeout)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (supported: socks5, socks5h, http, https)", parsedProxy.Scheme)
	}
}

// createSOCKS5Client 创建 SOCKS5 代理客户端
func createSOCKS5Client(proxyURL *url.URL, timeout time.Duration) (*http.Client, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	host := proxyURL.Host
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, defaultSOCKSPort)
	}

	dialer, err := proxy.SOCKS5("tcp", host, auth, &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	transport := baseTransport()
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// createHTTPProxyClient 创建 HTTP/HTTPS 代理客户端
func createHTTPProxyClient(proxyURL *url.URL, timeout time.Duration) (*http.Client, error) {
	transport := baseTransport()
	transport.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

func baseTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
