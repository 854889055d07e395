// Command mkboot turns a YAML module manifest into the Multiboot2 module
// list a bootloader stub passes to the kernel: one "module <path>
// <key=value...>" line per entry, in manifest order.
package main

import (
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const defaultManifestVersion = 1

// Manifest lists the modules a boot image should carry, in load order.
type Manifest struct {
	Version int      `yaml:"version"`
	Modules []Module `yaml:"modules"`
}

// Module names one boot module's image on disk and the argument string the
// kernel hands back to it through multiboot.Module.CmdLine.
type Module struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = defaultManifestVersion
	}
}

// cmdLine renders a module's arguments the way the kernel's command line
// parser expects them: space-separated key=value pairs.
func (m Module) cmdLine() string {
	return strings.Join(m.Args, " ")
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	manifest.normalize()

	if len(manifest.Modules) == 0 {
		return Manifest{}, errors.New("manifest lists no modules")
	}

	return manifest, nil
}

// validateModule opens a module's image and rejects it unless it is a
// statically linked x86-64 executable, the only shape the kernel's loader
// understands.
func validateModule(m Module) error {
	f, err := elf.Open(m.Path)
	if err != nil {
		return fmt.Errorf("%s: %w", m.Path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%s: not an x86-64 image (machine = %s)", m.Path, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return fmt.Errorf("%s: not a static executable (type = %s)", m.Path, f.Type)
	}

	return nil
}

// buildModuleList writes the resolved multiboot2 "module" directives for
// every entry in the manifest, after validating each image in turn.
func buildModuleList(w *os.File, manifest Manifest) error {
	for _, m := range manifest.Modules {
		if err := validateModule(m); err != nil {
			return err
		}
		if cmdLine := m.cmdLine(); cmdLine != "" {
			fmt.Fprintf(w, "module %s %s\n", m.Path, cmdLine)
		} else {
			fmt.Fprintf(w, "module %s\n", m.Path)
		}
	}
	return nil
}

// dumpModuleList pretty-prints the resolved module list to a width sized to
// the attached terminal, falling back to an 80-column width when stdout
// isn't one (piped output, CI logs).
func dumpModuleList(manifest Manifest) error {
	width := 80
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}
	}

	for i, m := range manifest.Modules {
		if err := validateModule(m); err != nil {
			return err
		}

		line := fmt.Sprintf("%2d. %s", i, m.Path)
		if cmdLine := m.cmdLine(); cmdLine != "" {
			line += "  " + cmdLine
		}
		if len(line) > width {
			line = line[:width-1] + "…"
		}
		fmt.Println(line)
	}

	return nil
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "mkboot: error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	manifestPath := flag.String("manifest", "", "path to the YAML module manifest")
	outPath := flag.String("out", "-", "file to write the module list to, or - for STDOUT")
	dump := flag.Bool("dump", false, "pretty-print the resolved module list instead of writing it")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkboot: resolve a module manifest into a multiboot2 module list\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkboot -manifest FILE [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *manifestPath == "" {
		exit(errors.New("missing -manifest"))
	}

	manifest, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}

	if *dump {
		return dumpModuleList(manifest)
	}

	switch *outPath {
	case "-":
		return buildModuleList(os.Stdout, manifest)
	default:
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", *outPath, err)
		}
		defer f.Close()
		return buildModuleList(f, manifest)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
