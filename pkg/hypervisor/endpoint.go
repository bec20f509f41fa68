package hypervisor

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// MonitorEndpointFromXML extracts the monitor socket address from a domain
// XML definition. Domains driven by this control plane carry an explicit
// -qmp argument in their qemu:commandline block, e.g.
//
//	<qemu:commandline>
//	  <qemu:arg value='-qmp'/>
//	  <qemu:arg value='unix:/run/vm-demo.qmp,server,nowait'/>
//	</qemu:commandline>
//
// The returned address is either a unix socket path or a host:port pair.
func MonitorEndpointFromXML(xmlDesc string) (string, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(xmlDesc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParseDomainXML, err)
	}

	if domain.QEMUCommandline == nil {
		return "", fmt.Errorf("%w: %s", ErrNoMonitorEndpoint, domain.Name)
	}

	args := domain.QEMUCommandline.Args
	for i, arg := range args {
		if arg.Value != "-qmp" || i+1 >= len(args) {
			continue
		}
		endpoint, err := parseMonitorArg(args[i+1].Value)
		if err != nil {
			return "", err
		}
		return endpoint, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoMonitorEndpoint, domain.Name)
}

// parseMonitorArg parses a QEMU -qmp chardev argument such as
// "unix:/run/vm.qmp,server,nowait" or "tcp:127.0.0.1:4444,server".
func parseMonitorArg(arg string) (string, error) {
	addr, _, _ := strings.Cut(arg, ",")

	switch {
	case strings.HasPrefix(addr, "unix:"):
		path := strings.TrimPrefix(addr, "unix:")
		if path == "" {
			return "", fmt.Errorf("%w: empty unix socket path in %q", ErrNoMonitorEndpoint, arg)
		}
		return path, nil
	case strings.HasPrefix(addr, "tcp:"):
		hostport := strings.TrimPrefix(addr, "tcp:")
		if hostport == "" {
			return "", fmt.Errorf("%w: empty tcp address in %q", ErrNoMonitorEndpoint, arg)
		}
		return hostport, nil
	default:
		return "", fmt.Errorf("%w: unsupported monitor address %q", ErrNoMonitorEndpoint, arg)
	}
}
