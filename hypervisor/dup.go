package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/vmerr"
	"github.com/Mic92/vmsh/tracer"
)

func closeFd(fd uintptr) error {
	if err := unix.Close(int(fd)); err != nil {
		return fmt.Errorf("%w: close fd %d: %v", vmerr.ErrBackendIo, fd, err)
	}

	return nil
}

// socketPair is a local (vmsh-side) abstract AF_UNIX SOCK_DGRAM
// endpoint used to receive file descriptors the target duplicates and
// sends us via SCM_RIGHTS, mirroring kvm/fd_transfer.rs's Socket type
// but implemented with ordinary (non-ptraced) syscalls since this end
// runs inside vmsh's own process.
type socketPair struct {
	fd int
}

func newAbstractSocket(name string) (*socketPair, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", vmerr.ErrBackendIo, err)
	}

	addr := &unix.SockaddrUnix{Name: "@" + name}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("%w: bind abstract socket %q: %v", vmerr.ErrBackendIo, name, err)
	}

	return &socketPair{fd: fd}, nil
}

func (s *socketPair) Close() error {
	return unix.Close(s.fd)
}

// receiveFds blocks until a datagram with at most maxFds SCM_RIGHTS
// file descriptors arrives and returns them in send order.
func (s *socketPair) receiveFds(maxFds int) ([]int, error) {
	buf := make([]byte, 8)
	oob := make([]byte, unix.CmsgSpace(maxFds*4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("%w: recvmsg: %v", vmerr.ErrBackendIo, err)
		}

		_ = n

		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("%w: parsing cmsg: %v", vmerr.ErrBackendIo, err)
		}

		var fds []int

		for _, m := range msgs {
			got, err := unix.ParseUnixRights(&m)
			if err != nil {
				continue
			}

			fds = append(fds, got...)
		}

		if len(fds) == 0 {
			return nil, fmt.Errorf("%w: received datagram with no SCM_RIGHTS payload", vmerr.ErrBackendIo)
		}

		return fds, nil
	}
}

// DuplicateFds asks the target, via RemoteSyscall, to open an abstract
// AF_UNIX socket, connect it to sockName (a socket vmsh has already
// bound locally), and sendmsg the given target-local file descriptors
// to it as an SCM_RIGHTS control message. vmsh then receives them on
// its own end, producing duplicate fds in vmsh's own fd table that
// refer to the exact same kernel objects (same /dev/kvm device, same
// kvm_vm, same vcpu) as the target's originals.
//
// This is the Go equivalent of kvm::fd_transfer::HvSocket, adapted
// from a bidirectional client/server protocol to the one-shot
// handoff vmsh needs: attach, grab fds, detach.
func DuplicateFds(proc *tracer.Process, sockName string, remoteFds []int) ([]int, error) {
	local, err := newAbstractSocket(sockName)
	if err != nil {
		return nil, err
	}
	defer local.Close()

	remoteSock, err := proc.RemoteSyscall(unix.SYS_SOCKET, unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: remote socket(): %v", vmerr.ErrBackendIo, err)
	}

	remoteFd := int(remoteSock)
	defer proc.RemoteClose(remoteFd)

	addr, addrLen, err := encodeAbstractSockaddr(sockName)
	if err != nil {
		return nil, err
	}

	addrAddr, err := writeScratch(proc, addr)
	if err != nil {
		return nil, err
	}

	if _, err := proc.RemoteSyscall(unix.SYS_CONNECT, uintptr(remoteFd), addrAddr, uintptr(addrLen)); err != nil {
		return nil, fmt.Errorf("%w: remote connect(): %v", vmerr.ErrBackendIo, err)
	}

	msgAddr, err := buildRemoteSendmsg(proc, remoteFds)
	if err != nil {
		return nil, err
	}

	if _, err := proc.RemoteSyscall(unix.SYS_SENDMSG, uintptr(remoteFd), msgAddr, 0); err != nil {
		return nil, fmt.Errorf("%w: remote sendmsg(): %v", vmerr.ErrBackendIo, err)
	}

	return local.receiveFds(len(remoteFds))
}

// SendEventfdToTarget creates an eventfd in vmsh's own process and
// duplicates it into the target's fd table, for use with
// Handle.RegisterIrqfd: KVM_IRQFD needs an fd number valid inside the
// target (the ioctl itself runs there), while the interrupt-raising
// write needs to happen from vmsh without going through ptrace on the
// hot path. Returns the local fd (vmsh writes to this to raise the
// interrupt) and the target-local fd (passed to RegisterIrqfd).
//
// This is the mirror image of DuplicateFds: there, the target sends
// fds to vmsh's bound socket; here, vmsh sends a single fd to a socket
// the target binds and receives on via a remote recvmsg, following the
// same bidirectional handoff kvm::fd_transfer::HvSocket supports in
// the original.
func SendEventfdToTarget(proc *tracer.Process, sockName string) (localFd int, targetFd int, err error) {
	localFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: eventfd: %v", vmerr.ErrBackendIo, err)
	}

	targetFd, err = sendFdToTarget(proc, sockName, localFd)
	if err != nil {
		unix.Close(localFd)

		return 0, 0, err
	}

	return localFd, targetFd, nil
}

// sendFdToTarget has the target bind an abstract socket, connects to
// it from vmsh's own (unptraced) process, sendmsg's fd as an
// SCM_RIGHTS payload, and has the target recvmsg it back out of a
// scratch buffer vmsh then reads to learn the assigned fd number.
func sendFdToTarget(proc *tracer.Process, sockName string, fd int) (int, error) {
	addr, addrLen, err := encodeAbstractSockaddr(sockName)
	if err != nil {
		return 0, err
	}

	remoteSock, err := proc.RemoteSyscall(unix.SYS_SOCKET, unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: remote socket(): %v", vmerr.ErrBackendIo, err)
	}

	remoteFd := int(remoteSock)
	defer proc.RemoteClose(remoteFd)

	addrAddr, err := writeScratch(proc, addr)
	if err != nil {
		return 0, err
	}

	if _, err := proc.RemoteSyscall(unix.SYS_BIND, uintptr(remoteFd), addrAddr, uintptr(addrLen)); err != nil {
		return 0, fmt.Errorf("%w: remote bind(): %v", vmerr.ErrBackendIo, err)
	}

	local, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: local socket(): %v", vmerr.ErrBackendIo, err)
	}
	defer unix.Close(local)

	peer := &unix.SockaddrUnix{Name: "@" + sockName}
	if err := unix.Connect(local, peer); err != nil {
		return 0, fmt.Errorf("%w: local connect to target socket: %v", vmerr.ErrBackendIo, err)
	}

	if err := unix.Sendmsg(local, []byte("vmsh-irqfd"), unix.UnixRights(fd), nil, 0); err != nil {
		return 0, fmt.Errorf("%w: local sendmsg(SCM_RIGHTS): %v", vmerr.ErrBackendIo, err)
	}

	return recvFdInTarget(proc, remoteFd)
}

// recvFdInTarget issues a remote recvmsg(2) on remoteFd and parses the
// SCM_RIGHTS cmsg it wrote into scratch memory to learn the fd number
// the kernel just assigned inside the target.
func recvFdInTarget(proc *tracer.Process, remoteFd int) (int, error) {
	scratch, err := proc.Scratch()
	if err != nil {
		return 0, err
	}

	base := scratch + 320

	bufAddr := base
	if err := proc.WriteMem(bufAddr, make([]byte, 16)); err != nil {
		return 0, err
	}

	iovecBuf := make([]byte, 16)
	putUint64(iovecBuf[0:], uint64(bufAddr))
	putUint64(iovecBuf[8:], 16)
	iovecAddr := base + 32

	if err := proc.WriteMem(iovecAddr, iovecBuf); err != nil {
		return 0, err
	}

	cmsgLen := unix.CmsgSpace(4)
	cmsgAddr := base + 64

	if err := proc.WriteMem(cmsgAddr, make([]byte, cmsgLen)); err != nil {
		return 0, err
	}

	msghdrBuf := make([]byte, 56)
	putUint64(msghdrBuf[0:], 0) // msg_name
	putUint64(msghdrBuf[8:], 0) // msg_namelen (padded)
	putUint64(msghdrBuf[16:], uint64(iovecAddr))
	putUint64(msghdrBuf[24:], 1) // msg_iovlen
	putUint64(msghdrBuf[32:], uint64(cmsgAddr))
	putUint64(msghdrBuf[40:], uint64(cmsgLen))
	putUint64(msghdrBuf[48:], 0) // msg_flags
	msghdrAddr := base + 128

	if err := proc.WriteMem(msghdrAddr, msghdrBuf); err != nil {
		return 0, err
	}

	if _, err := proc.RemoteSyscall(unix.SYS_RECVMSG, uintptr(remoteFd), uintptr(msghdrAddr), 0); err != nil {
		return 0, fmt.Errorf("%w: remote recvmsg(): %v", vmerr.ErrBackendIo, err)
	}

	cmsgBuf, err := proc.ReadMem(cmsgAddr, cmsgLen)
	if err != nil {
		return 0, err
	}

	msgs, err := unix.ParseSocketControlMessage(cmsgBuf)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing remote cmsg: %v", vmerr.ErrBackendIo, err)
	}

	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err == nil && len(fds) > 0 {
			return fds[0], nil
		}
	}

	return 0, fmt.Errorf("%w: remote recvmsg produced no SCM_RIGHTS payload", vmerr.ErrBackendIo)
}

// writeScratch writes data into the anonymous page tracer.Process.Scratch
// mmap'd into the target, for the lifetime of a single RemoteSyscall
// sequence: the bytes of a sockaddr_un or a msghdr+iovec+cmsg bundle it
// needs the kernel to read from inside the target. Because that page
// belongs to vmsh rather than to anything the target had mapped, it is
// unmapped again on detach instead of needing its prior contents restored.
func writeScratch(proc *tracer.Process, data []byte) (uintptr, error) {
	scratch, err := proc.Scratch()
	if err != nil {
		return 0, err
	}

	addr := scratch + 16

	if err := proc.WriteMem(addr, data); err != nil {
		return 0, fmt.Errorf("%w: writing scratch buffer: %v", vmerr.ErrBackendIo, err)
	}

	return uintptr(addr), nil
}

func encodeAbstractSockaddr(name string) ([]byte, int, error) {
	const maxLen = 108

	if len(name)+1 > maxLen {
		return nil, 0, fmt.Errorf("abstract socket name %q too long", name)
	}

	buf := make([]byte, 2+maxLen)
	buf[0] = byte(unix.AF_UNIX)
	buf[1] = byte(unix.AF_UNIX >> 8)
	// abstract namespace: buf[2] == 0, name follows without a
	// terminating NUL (Linux sockaddr_un convention).
	copy(buf[3:], name)

	addrLen := 2 + 1 + len(name)

	return buf[:2+1+len(name)], addrLen, nil
}

// buildRemoteSendmsg writes a msghdr/iovec/cmsg(SCM_RIGHTS) bundle
// into the target's scratch region and returns the address of the
// msghdr for use as sendmsg's second argument.
func buildRemoteSendmsg(proc *tracer.Process, fds []int) (uintptr, error) {
	scratch, err := proc.Scratch()
	if err != nil {
		return 0, err
	}

	base := scratch + 256

	payload := []byte("vmsh-fds")
	iovAddr := base
	if err := proc.WriteMem(iovAddr, payload); err != nil {
		return 0, err
	}

	cmsgLen := unix.CmsgSpace(len(fds) * 4)
	cmsgAddr := base + 64
	cmsgBuf := make([]byte, cmsgLen)

	// struct cmsghdr on linux/amd64: size_t cmsg_len; int cmsg_level;
	// int cmsg_type; followed by the SCM_RIGHTS fd array.
	putUint64(cmsgBuf[0:], uint64(unix.CmsgLen(len(fds)*4)))
	putInt32(cmsgBuf[8:], unix.SOL_SOCKET)
	putInt32(cmsgBuf[12:], unix.SCM_RIGHTS)

	data := cmsgBuf[unix.CmsgLen(0):]
	for i, fd := range fds {
		putInt32(data[i*4:], int32(fd))
	}

	if err := proc.WriteMem(cmsgAddr, cmsgBuf); err != nil {
		return 0, err
	}

	iovecBuf := make([]byte, 16)
	putUint64(iovecBuf[0:], uint64(iovAddr))
	putUint64(iovecBuf[8:], uint64(len(payload)))
	iovecAddr := base + 128

	if err := proc.WriteMem(iovecAddr, iovecBuf); err != nil {
		return 0, err
	}

	msghdrBuf := make([]byte, 56)
	putUint64(msghdrBuf[0:], 0)           // msg_name
	putUint64(msghdrBuf[8:], 0)           // msg_namelen (padded)
	putUint64(msghdrBuf[16:], uint64(iovecAddr))
	putUint64(msghdrBuf[24:], 1) // msg_iovlen
	putUint64(msghdrBuf[32:], uint64(cmsgAddr))
	putUint64(msghdrBuf[40:], uint64(cmsgLen))
	putUint64(msghdrBuf[48:], 0) // msg_flags
	msghdrAddr := base + 192

	if err := proc.WriteMem(msghdrAddr, msghdrBuf); err != nil {
		return 0, err
	}

	return uintptr(msghdrAddr), nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putInt32(b []byte, v int32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(uint32(v) >> (8 * i))
	}
}
