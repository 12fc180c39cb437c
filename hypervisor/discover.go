package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// TargetFds is the set of file descriptor numbers, inside the target
// process, that Discover found for the hypervisor's anonymous KVM
// device nodes.
type TargetFds struct {
	KvmFd   int
	VmFd    int
	VcpuFds []int
}

// Discover inspects /proc/<pid>/fd of an already-attached target and
// classifies its open file descriptors by the anon_inode name the
// kernel gives KVM objects: "anon_inode:kvm-vm" for the vm fd and
// "anon_inode:kvm-vcpu:N" for each vcpu, the same names `ls -la
// /proc/<pid>/fd` shows for a running KVM hypervisor. It does not
// require ptrace; /proc/<pid>/fd is readable given CAP_SYS_PTRACE or
// matching uid, which Attach already requires.
func Discover(pid int) (*TargetFds, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", vmerr.ErrTargetIncompatible, dir, err)
	}

	found := &TargetFds{KvmFd: -1, VmFd: -1}

	type vcpuEntry struct {
		idx int
		fd  int
	}

	var vcpus []vcpuEntry

	for _, e := range entries {
		fdNum, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		link, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}

		switch {
		case link == "/dev/kvm":
			found.KvmFd = fdNum
		case link == "anon_inode:kvm-vm":
			found.VmFd = fdNum
		case strings.HasPrefix(link, "anon_inode:kvm-vcpu:"):
			idxStr := strings.TrimPrefix(link, "anon_inode:kvm-vcpu:")

			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				continue
			}

			vcpus = append(vcpus, vcpuEntry{idx: idx, fd: fdNum})
		}
	}

	if found.VmFd == -1 {
		return nil, fmt.Errorf("%w: pid %d has no anon_inode:kvm-vm fd, not a KVM hypervisor", vmerr.ErrTargetIncompatible, pid)
	}

	if len(vcpus) == 0 {
		return nil, fmt.Errorf("%w: pid %d has a kvm-vm fd but no vcpu fds", vmerr.ErrTargetIncompatible, pid)
	}

	sort.Slice(vcpus, func(i, j int) bool { return vcpus[i].idx < vcpus[j].idx })

	found.VcpuFds = make([]int, len(vcpus))
	for i, v := range vcpus {
		found.VcpuFds[i] = v.fd
	}

	return found, nil
}
