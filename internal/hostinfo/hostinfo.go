// Package hostinfo resolves and compares host identities used by the
// permission engine and printcap "oh=" conditionals.
package hostinfo

import (
	"context"
	"net"
	"strings"
)

// Info is a resolved host record: canonical name, short name, and the
// set of addresses/aliases it was found under. Two Infos are compared
// by address-set intersection, never by name, per spec.md §3.
type Info struct {
	FQDN      string
	ShortName string
	Addrs     []net.IP
	Aliases   []string
}

// Resolve builds a Info for host. A bare IP literal gets a reverse
// lookup for its FQDN; a name gets a forward lookup for its addresses
// plus a CNAME lookup, so FQDN reflects the canonical name when host
// was given as an alias.
func Resolve(ctx context.Context, host string) (Info, error) {
	var resolver net.Resolver

	if ip := net.ParseIP(host); ip != nil {
		names, err := resolver.LookupAddr(ctx, ip.String())
		fqdn := host
		if err == nil && len(names) > 0 {
			fqdn = strings.TrimSuffix(names[0], ".")
		}
		return Info{
			FQDN:      fqdn,
			ShortName: shortName(fqdn),
			Addrs:     []net.IP{ip},
		}, nil
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return Info{}, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}

	fqdn := host
	if cname, err := resolver.LookupCNAME(ctx, host); err == nil && cname != "" {
		fqdn = strings.TrimSuffix(cname, ".")
	}

	return Info{
		FQDN:      fqdn,
		ShortName: shortName(fqdn),
		Addrs:     ips,
		Aliases:   []string{host},
	}, nil
}

func shortName(fqdn string) string {
	if i := strings.IndexByte(fqdn, '.'); i >= 0 {
		return fqdn[:i]
	}
	return fqdn
}

// Intersects reports whether a and b share any address, the only
// spec-sanctioned way to compare two host identities.
func (a Info) Intersects(b Info) bool {
	for _, x := range a.Addrs {
		for _, y := range b.Addrs {
			if x.Equal(y) {
				return true
			}
		}
	}
	return false
}

// HasAddr reports whether ip is among a's addresses.
func (a Info) HasAddr(ip net.IP) bool {
	for _, x := range a.Addrs {
		if x.Equal(ip) {
			return true
		}
	}
	return false
}

// Local returns the Info for the local host, used for printcap "oh="
// conditionals and the %h/%H expansion keys.
func Local(ctx context.Context) (Info, error) {
	name, err := osHostname()
	if err != nil {
		return Info{}, err
	}
	return Resolve(ctx, name)
}
