package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FilePersister keeps the app config in a YAML file
type FilePersister struct {
	Path string
}

var _ Persister = (*FilePersister)(nil)

func (p *FilePersister) Load() (*AppConfig, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseAppConfig(data)
}

func (p *FilePersister) Save(cfg *AppConfig) error {
	data, err := MarshalAppConfigYAML(cfg)
	if err != nil {
		return fmt.Errorf("encoding app config: %w", err)
	}
	return writeFileAtomic(p.Path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type serversFile struct {
	MCPServers map[string]TargetServer `json:"mcpServers"`
}

// LoadTargetServers reads {"mcpServers": {name: server}}, name-sorted.
// A missing file is an empty set.
func LoadTargetServers(path string) ([]TargetServer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading target servers: %w", err)
	}

	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing target servers: %w", err)
	}

	servers := make([]TargetServer, 0, len(file.MCPServers))
	for name, s := range file.MCPServers {
		s.Name = name
		if s.Type == "" {
			s.Type = inferTransport(s)
		}
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// SaveTargetServers writes the servers in the LoadTargetServers format
func SaveTargetServers(path string, servers []TargetServer) error {
	file := serversFile{MCPServers: make(map[string]TargetServer, len(servers))}
	for _, s := range servers {
		file.MCPServers[s.Name] = s
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func inferTransport(s TargetServer) TransportType {
	if s.Command != "" {
		return TransportStdio
	}
	return TransportStreamable
}
