// Package compile builds contract artifacts with solc and links library
// addresses into their bytecode.
package compile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/compiler"
	"github.com/rs/zerolog"
)

// ContractRef names a contract in a source file.
type ContractRef struct {
	Name   string
	Source string
}

// FullyQualifiedName is the name solc uses for the contract, source:Name.
func (r ContractRef) FullyQualifiedName() string {
	return r.Source + ":" + r.Name
}

func (r ContractRef) String() string {
	return r.FullyQualifiedName()
}

// Artifact is a compiled, possibly unlinked, contract.
type Artifact struct {
	Name string
	Bin  string
	ABI  abi.ABI
}

// Unlinked reports whether the bytecode still has library placeholders.
func (a *Artifact) Unlinked() bool {
	return strings.Contains(a.Bin, "__")
}

// Bytecode decodes the linked bytecode.
func (a *Artifact) Bytecode() ([]byte, error) {
	if a.Unlinked() {
		return nil, fmt.Errorf("contract %s has unlinked libraries", a.Name)
	}
	return common.FromHex(a.Bin), nil
}

// Compiler compiles a contract reference into an artifact.
type Compiler interface {
	Compile(ctx context.Context, ref ContractRef) (*Artifact, error)
}

// CompileError is a contract that could not be built. It is not retried.
type CompileError struct {
	Contract string
	Output   string
	Err      error
}

func (e *CompileError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("compiling %s: %v", e.Contract, e.Err)
	}
	return fmt.Sprintf("compiling %s: %v: %s", e.Contract, e.Err, e.Output)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Solc invokes the solc binary.
type Solc struct {
	Path     string
	Optimize bool
	Log      zerolog.Logger
}

var _ Compiler = (*Solc)(nil)

func (s *Solc) Compile(ctx context.Context, ref ContractRef) (*Artifact, error) {
	path := s.Path
	if path == "" {
		path = "solc"
	}
	args := []string{"--combined-json", "abi,bin"}
	if s.Optimize {
		args = append(args, "--optimize")
	}
	args = append(args, ref.Source)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	s.Log.Debug().Str("solc", path).Strs("args", args).Msg("compiling")
	if err := cmd.Run(); err != nil {
		return nil, &CompileError{Contract: ref.Name, Output: strings.TrimSpace(stderr.String()), Err: err}
	}
	a, err := ParseCombinedJSON(stdout.Bytes(), ref)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Str("contract", ref.Name).Bool("unlinked", a.Unlinked()).Msg("compiled contract")
	return a, nil
}

// ParseCombinedJSON extracts ref from solc --combined-json abi,bin output.
func ParseCombinedJSON(out []byte, ref ContractRef) (*Artifact, error) {
	contracts, err := compiler.ParseCombinedJSON(out, "", "", "", "")
	if err != nil {
		return nil, &CompileError{Contract: ref.Name, Err: fmt.Errorf("parsing solc output: %w", err)}
	}
	c, ok := contracts[ref.FullyQualifiedName()]
	if !ok {
		for name, candidate := range contracts {
			if name == ref.Name || strings.HasSuffix(name, ":"+ref.Name) {
				c = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, &CompileError{Contract: ref.Name, Err: fmt.Errorf("contract not found in solc output")}
	}
	abiJSON, err := json.Marshal(c.Info.AbiDefinition)
	if err != nil {
		return nil, &CompileError{Contract: ref.Name, Err: fmt.Errorf("encoding abi: %w", err)}
	}
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, &CompileError{Contract: ref.Name, Err: fmt.Errorf("parsing abi: %w", err)}
	}
	return &Artifact{
		Name: ref.Name,
		Bin:  strings.TrimPrefix(c.Code, "0x"),
		ABI:  parsed,
	}, nil
}
