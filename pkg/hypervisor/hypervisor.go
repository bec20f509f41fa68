// Package hypervisor resolves VM names to domain handles and monitor
// endpoints through libvirt.
package hypervisor

import (
	"context"
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"
)

// Error variables for hypervisor link operations.
var (
	ErrConnect           = errors.New("failed to connect to libvirt")
	ErrDomainNotFound    = errors.New("domain not found")
	ErrLookupDomain      = errors.New("failed to lookup domain")
	ErrListDomains       = errors.New("failed to list active domains")
	ErrGetDomainXML      = errors.New("failed to get domain XML")
	ErrParseDomainXML    = errors.New("failed to parse domain XML")
	ErrNoMonitorEndpoint = errors.New("domain exposes no monitor endpoint")
)

// DefaultURI is the libvirt connection URI used when none is configured.
const DefaultURI = "qemu:///system"

// Domain is an opaque handle to a hypervisor-managed VM.
type Domain struct {
	Name string
	UUID string
}

// Link enumerates active VMs and resolves their monitor endpoints. It is
// consumed by the orchestrator; implementations other than libvirt exist
// only in tests.
type Link interface {
	Lookup(ctx context.Context, name string) (*Domain, error)
	ListActive(ctx context.Context) ([]Domain, error)
	MonitorEndpoint(ctx context.Context, domain Domain) (string, error)
	Close() error
}

type libvirtLink struct {
	conn *libvirt.Connect
}

// Connect opens a libvirt connection. An empty URI connects to
// qemu:///system.
func Connect(uri string) (Link, error) {
	if uri == "" {
		uri = DefaultURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return &libvirtLink{conn: conn}, nil
}

// Lookup resolves a VM name to a domain handle. Returns ErrDomainNotFound
// if the hypervisor does not know the name.
func (l *libvirtLink) Lookup(ctx context.Context, name string) (*Domain, error) {
	dom, err := l.conn.LookupDomainByName(name)
	if err != nil {
		libvirtErr, ok := err.(libvirt.Error)
		if ok && libvirtErr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, name)
		}
		return nil, fmt.Errorf("%w: %v", ErrLookupDomain, err)
	}
	defer func() { _ = dom.Free() }()

	uuid, err := dom.GetUUIDString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupDomain, err)
	}

	return &Domain{Name: name, UUID: uuid}, nil
}

// ListActive returns a handle for every currently running VM.
func (l *libvirtLink) ListActive(ctx context.Context) ([]Domain, error) {
	doms, err := l.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListDomains, err)
	}

	domains := make([]Domain, 0, len(doms))
	for i := range doms {
		name, err := doms[i].GetName()
		if err != nil {
			_ = doms[i].Free()
			return nil, fmt.Errorf("%w: %v", ErrListDomains, err)
		}
		uuid, err := doms[i].GetUUIDString()
		if err != nil {
			_ = doms[i].Free()
			return nil, fmt.Errorf("%w: %v", ErrListDomains, err)
		}
		domains = append(domains, Domain{Name: name, UUID: uuid})
		_ = doms[i].Free()
	}

	return domains, nil
}

// MonitorEndpoint extracts the monitor socket address from the domain's
// XML definition. Returns ErrNoMonitorEndpoint when the domain was not
// started with an out-of-band monitor socket.
func (l *libvirtLink) MonitorEndpoint(ctx context.Context, domain Domain) (string, error) {
	dom, err := l.conn.LookupDomainByName(domain.Name)
	if err != nil {
		libvirtErr, ok := err.(libvirt.Error)
		if ok && libvirtErr.Code == libvirt.ERR_NO_DOMAIN {
			return "", fmt.Errorf("%w: %s", ErrDomainNotFound, domain.Name)
		}
		return "", fmt.Errorf("%w: %v", ErrLookupDomain, err)
	}
	defer func() { _ = dom.Free() }()

	xmlDesc, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGetDomainXML, err)
	}

	return MonitorEndpointFromXML(xmlDesc)
}

// Close closes the libvirt connection.
func (l *libvirtLink) Close() error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Close()
	return err
}
