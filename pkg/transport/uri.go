package transport

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Attachment mode parameter values understood by substrate implementations.
// By default a subscription listens on its endpoint and a publication dials;
// the "mode" parameter reverses either side, which is how the engine-facing
// service channel is wired.
const (
	ModeParam  = "mode"
	ModeListen = "listen"
	ModeDial   = "dial"
)

// ChannelURI is an opaque channel address of the form
// media://endpoint?key=value. The only parameter the harness itself rewrites
// is the endpoint, substituted per peer from a shared template.
type ChannelURI struct {
	Media    string
	Endpoint string
	Params   map[string]string
}

// ParseChannelURI parses media://endpoint?params into a ChannelURI.
func ParseChannelURI(s string) (ChannelURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ChannelURI{}, fmt.Errorf("transport: invalid channel uri %q: %w", s, err)
	}
	if u.Scheme == "" {
		return ChannelURI{}, fmt.Errorf("transport: channel uri %q missing media", s)
	}
	endpoint := u.Host
	if endpoint == "" {
		// inproc names parse as opaque or path components
		endpoint = strings.TrimPrefix(u.Opaque+u.Path, "/")
	}
	if endpoint == "" {
		return ChannelURI{}, fmt.Errorf("transport: channel uri %q missing endpoint", s)
	}
	c := ChannelURI{Media: u.Scheme, Endpoint: endpoint}
	q := u.Query()
	if len(q) > 0 {
		c.Params = make(map[string]string, len(q))
		for k := range q {
			c.Params[k] = q.Get(k)
		}
	}
	return c, nil
}

// WithEndpoint returns a copy of the URI with the endpoint replaced.
func (c ChannelURI) WithEndpoint(endpoint string) ChannelURI {
	out := ChannelURI{Media: c.Media, Endpoint: endpoint}
	if len(c.Params) > 0 {
		out.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return out
}

// WithParam returns a copy of the URI with one parameter set.
func (c ChannelURI) WithParam(key, value string) ChannelURI {
	out := c.WithEndpoint(c.Endpoint)
	if out.Params == nil {
		out.Params = make(map[string]string, 1)
	}
	out.Params[key] = value
	return out
}

// Param returns the value of a parameter, or "" when unset.
func (c ChannelURI) Param(key string) string {
	return c.Params[key]
}

// Address returns the dialable/listenable form without parameters,
// e.g. "tcp://localhost:8010" or "inproc://service-events".
func (c ChannelURI) Address() string {
	return c.Media + "://" + c.Endpoint
}

// String renders the full URI including parameters in stable order.
func (c ChannelURI) String() string {
	if len(c.Params) == 0 {
		return c.Address()
	}
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(c.Address())
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(c.Params[k]))
	}
	return b.String()
}
