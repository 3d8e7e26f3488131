package bpf

const (
	BPF_FS = "/sys/fs/bpf"
)
