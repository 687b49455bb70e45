//go:build !linux && !darwin

package vm

// MmapProvider is unavailable on this platform; every operation fails.
type MmapProvider struct{}

var _ Provider = (*MmapProvider)(nil)

// NewMmapProvider returns a provider whose mappings always fail.
func NewMmapProvider() *MmapProvider { return &MmapProvider{} }

func (p *MmapProvider) PageSize() uintptr { return 4096 }
func (p *MmapProvider) Map(size, align uintptr, flags Flags, tag Tag) uintptr { return 0 }
func (p *MmapProvider) Unmap(addr, size uintptr, flags Flags) {}
func (p *MmapProvider) Protect(addr, size uintptr, prot Prot) error { return ErrUnsupported }
func (p *MmapProvider) MarkReusable(addr, size uintptr) error { return ErrUnsupported }
func (p *MmapProvider) MarkInUse(addr, size uintptr) error { return ErrUnsupported }
func (p *MmapProvider) Release(addr, size uintptr) error { return ErrUnsupported }
func (p *MmapProvider) GrowAt(addr, size uintptr, tag Tag) bool { return false }
func (p *MmapProvider) Copy(dst, src, size uintptr) error { return ErrUnsupported }
func (p *MmapProvider) Stats() Stats { return Stats{} }
