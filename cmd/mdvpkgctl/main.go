// Command mdvpkgctl is a control CLI over mdvpkgd's D-Bus interface:
// list, install, remove and groups subcommands issuing the
// corresponding bus calls and printing progress signals to stdout.
//
// Grounded on original_source/doc/examples/mdvpkgcli.py (method-call-
// then-watch-signals shape) and the teacher's
// cmd/newrelic-infra-ctl/newrelic-infra-ctl.go (subcommand dispatch
// over flag.Args()).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	godbus "github.com/godbus/dbus/v5"

	mdbus "github.com/jvdm/mdvpkg/internal/dbus"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	conn, err := godbus.SystemBus()
	if err != nil {
		fatal(err)
	}
	defer conn.Close()

	var cmdErr error
	switch args[0] {
	case "list":
		cmdErr = runList(conn, args[1:])
	case "install":
		cmdErr = runAction(conn, "Install", args[1:])
	case "remove":
		cmdErr = runAction(conn, "Remove", args[1:])
	case "groups":
		cmdErr = runGroups(conn, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fatal(cmdErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mdvpkgctl <list|install|remove|groups> [name-filter]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "mdvpkgctl:", err)
	os.Exit(1)
}

func rootObject(conn *godbus.Conn) godbus.BusObject {
	return conn.Object(mdbus.ServiceName, mdbus.RootPath)
}

func newList(conn *godbus.Conn) (godbus.BusObject, error) {
	var path godbus.ObjectPath
	if err := rootObject(conn).Call(mdbus.Iface+".GetList", 0).Store(&path); err != nil {
		return nil, err
	}
	return conn.Object(mdbus.ServiceName, path), nil
}

func listSize(list godbus.BusObject) (uint32, error) {
	var size uint32
	err := list.Call(mdbus.ListIface+".Size", 0).Store(&size)
	return size, err
}

func listGet(list godbus.BusObject, index uint32, attrs []string) (name, arch, status, action string, attributes map[string]string, err error) {
	err = list.Call(mdbus.ListIface+".Get", 0, index, attrs).Store(&name, &arch, &status, &action, &attributes)
	return
}

func runList(conn *godbus.Conn, args []string) error {
	list, err := newList(conn)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if err := list.Call(mdbus.ListIface+".Filter", 0, "name", []string{args[0]}, []string{}).Store(); err != nil {
			return err
		}
	}

	size, err := listSize(list)
	if err != nil {
		return err
	}
	for i := uint32(0); i < size; i++ {
		name, arch, status, action, attrs, err := listGet(list, i, []string{"version", "release", "group"})
		if err != nil {
			return err
		}
		fmt.Printf("%-4d %-30s %-8s %-10s %-10s %s-%s  %s\n", i, name, arch, status, action, attrs["version"], attrs["release"], attrs["group"])
	}
	return nil
}

func runAction(conn *godbus.Conn, method string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%s requires a package name", strings.ToLower(method))
	}
	list, err := newList(conn)
	if err != nil {
		return err
	}

	index, name, err := findByName(list, args[0])
	if err != nil {
		return err
	}

	var installSel, removeSel []mdbus.SelectionTuple
	var installRej, removeRej []mdbus.RejectedTuple
	if err := list.Call(mdbus.ListIface+"."+method, 0, index).Store(&installSel, &removeSel, &installRej, &removeRej); err != nil {
		return err
	}
	printPlan(installSel, removeSel, installRej, removeRej)
	if len(installRej) > 0 || len(removeRej) > 0 {
		return fmt.Errorf("%s of %s was rejected, no action taken", strings.ToLower(method), name)
	}

	var taskID string
	if err := list.Call(mdbus.ListIface+".ProcessActions", 0).Store(&taskID); err != nil {
		return err
	}
	fmt.Printf("commit task %s queued\n", taskID)
	return watchTask(conn, list.Path(), taskID)
}

// watchTask prints every signal mdvpkgd emits on list for taskID until
// a Finished signal arrives, mirroring doc/examples/mdvpkgcli.py's
// add_signal_receiver loop (there driven by a glib mainloop, here by a
// plain channel read).
func watchTask(conn *godbus.Conn, path godbus.ObjectPath, taskID string) error {
	signals := make(chan *godbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if err := conn.AddMatchSignal(
		godbus.WithMatchObjectPath(path),
		godbus.WithMatchInterface(mdbus.ListIface),
	); err != nil {
		return err
	}

	for sig := range signals {
		if sig.Path != path {
			continue
		}
		member := sig.Name[strings.LastIndex(sig.Name, ".")+1:]
		if len(sig.Body) > 0 && sig.Body[0] == taskID {
			fmt.Printf("[%s] %v\n", member, sig.Body[1:])
		}
		if member == "Finished" && len(sig.Body) > 0 && sig.Body[0] == taskID {
			return nil
		}
	}
	return nil
}

func findByName(list godbus.BusObject, name string) (uint32, string, error) {
	size, err := listSize(list)
	if err != nil {
		return 0, "", err
	}
	for i := uint32(0); i < size; i++ {
		n, _, _, _, _, err := listGet(list, i, nil)
		if err != nil {
			return 0, "", err
		}
		if n == name {
			return i, n, nil
		}
	}
	return 0, "", fmt.Errorf("no package named %q in the current list", name)
}

func printPlan(installSel, removeSel []mdbus.SelectionTuple, installRej, removeRej []mdbus.RejectedTuple) {
	for _, s := range installSel {
		fmt.Printf("install: %s-%s-%s.%s\n", s.Name, s.Version, s.Release, s.Arch)
	}
	for _, s := range removeSel {
		fmt.Printf("remove:  %s-%s-%s.%s\n", s.Name, s.Version, s.Release, s.Arch)
	}
	for _, r := range installRej {
		fmt.Printf("rejected install %s: %s %v\n", r.Target, r.Reason, r.Subjects)
	}
	for _, r := range removeRej {
		fmt.Printf("rejected remove %s: %s %v\n", r.Target, r.Reason, r.Subjects)
	}
}

func runGroups(conn *godbus.Conn, _ []string) error {
	list, err := newList(conn)
	if err != nil {
		return err
	}
	var groups []mdbus.GroupTuple
	if err := list.Call(mdbus.ListIface+".GetAllGroups", 0).Store(&groups); err != nil {
		return err
	}
	for _, g := range groups {
		fmt.Printf("%-30s %d\n", g.Group, g.Count)
	}
	return nil
}
