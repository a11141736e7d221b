package lmacho

import (
	"debug/macho"
	"strconv"

	"github.com/blacktop/go-macho/types"
)

type SubCpu = uint32
type Cpu = macho.Cpu

// CPUArch64 is the 64 bit ABI flag of a cputype.
const CPUArch64 = 0x01000000

const (
	TypeI386     = Cpu(types.CPUI386)
	TypeX86_64   = Cpu(types.CPUAmd64)
	TypeArm      = Cpu(types.CPUArm)
	TypeArm64    = Cpu(types.CPUArm64)
	TypeArm64_32 = Cpu(types.CPUArm6432)
	TypePpc      = Cpu(types.CPUPpc)
	TypePpc64    = Cpu(types.CPUPpc64)
)

// MaskSubCpuType masks the capability bits of a cpusubtype.
const MaskSubCpuType = SubCpu(types.CpuSubtypeFeatureMask)

type arch struct {
	name    string
	cpu     Cpu
	sub     SubCpu
	cpuName string
	subName string
}

func sub(s types.CPUSubtype) SubCpu { return SubCpu(s) }

var arches = []arch{
	{"i386", TypeI386, 3, "CPU_TYPE_I386", "CPU_SUBTYPE_I386_ALL"},
	{"x86_64", TypeX86_64, sub(types.CPUSubtypeX8664All), "CPU_TYPE_X86_64", "CPU_SUBTYPE_X86_64_ALL"},
	{"x86_64h", TypeX86_64, sub(types.CPUSubtypeX86_64H), "CPU_TYPE_X86_64", "CPU_SUBTYPE_X86_64_H"},

	{"arm", TypeArm, sub(types.CPUSubtypeArmAll), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_ALL"},
	{"armv4t", TypeArm, sub(types.CPUSubtypeArmV4T), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V4T"},
	{"armv6", TypeArm, sub(types.CPUSubtypeArmV6), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V6"},
	{"armv7", TypeArm, sub(types.CPUSubtypeArmV7), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V7"},
	{"armv7f", TypeArm, sub(types.CPUSubtypeArmV7F), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V7F"},
	{"armv7s", TypeArm, sub(types.CPUSubtypeArmV7S), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V7S"},
	{"armv7k", TypeArm, sub(types.CPUSubtypeArmV7K), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V7K"},
	{"armv6m", TypeArm, sub(types.CPUSubtypeArmV6M), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V6M"},
	{"armv7m", TypeArm, sub(types.CPUSubtypeArmV7M), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V7M"},
	{"armv7em", TypeArm, sub(types.CPUSubtypeArmV7Em), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V7EM"},
	{"armv8m", TypeArm, sub(types.CPUSubtypeArmV8M), "CPU_TYPE_ARM", "CPU_SUBTYPE_ARM_V8M"},

	{"arm64", TypeArm64, sub(types.CPUSubtypeArm64All), "CPU_TYPE_ARM64", "CPU_SUBTYPE_ARM64_ALL"},
	{"arm64e", TypeArm64, sub(types.CPUSubtypeArm64E), "CPU_TYPE_ARM64", "CPU_SUBTYPE_ARM64E"},
	{"arm64v8", TypeArm64, sub(types.CPUSubtypeArm64V8), "CPU_TYPE_ARM64", "CPU_SUBTYPE_ARM64_V8"},
	{"arm64_32", TypeArm64_32, 1, "CPU_TYPE_ARM64_32", "CPU_SUBTYPE_ARM64_32_V8"},

	{"ppc", TypePpc, 0, "CPU_TYPE_POWERPC", "CPU_SUBTYPE_POWERPC_ALL"},
	{"ppc64", TypePpc64, 0, "CPU_TYPE_POWERPC64", "CPU_SUBTYPE_POWERPC_ALL"},
}

type archKey struct {
	cpu Cpu
	sub SubCpu
}

var (
	archByName = map[string]*arch{}
	archByKey  = map[archKey]*arch{}
)

func init() {
	for i := range arches {
		a := &arches[i]
		archByName[a.name] = a
		archByKey[archKey{a.cpu, a.sub}] = a
	}
}

func lookup(c Cpu, s SubCpu) (*arch, bool) {
	a, ok := archByKey[archKey{c, s & ^MaskSubCpuType}]
	return a, ok
}

// ToCpu resolves an architecture name such as arm64e to its cputype and cpusubtype.
func ToCpu(name string) (Cpu, SubCpu, bool) {
	a, ok := archByName[name]
	if !ok {
		return 0, 0, false
	}
	return a.cpu, a.sub, true
}

func ToCpuString(c Cpu, s SubCpu) string {
	if a, ok := lookup(c, s); ok {
		return a.name
	}
	return "unknown(" + strconv.Itoa(int(c)) + "," + strconv.Itoa(int(s & ^MaskSubCpuType)) + ")"
}

// ToCpuValues returns the mach/machine.h constant names of the pair.
// Unknown values are rendered as decimal numbers.
func ToCpuValues(c Cpu, s SubCpu) (string, string) {
	if a, ok := lookup(c, s); ok {
		return a.cpuName, a.subName
	}
	cpu := strconv.FormatUint(uint64(c), 10)
	for i := range arches {
		if arches[i].cpu == c {
			cpu = arches[i].cpuName
			break
		}
	}
	return cpu, strconv.FormatUint(uint64(s & ^MaskSubCpuType), 10)
}
