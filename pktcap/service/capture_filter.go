package service

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/go-appsec/netcap-toolbox/pktcap/capture"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
)

// BuildCaptureFilter compiles capture exclusions from config into a Filter.
// A nil filter means every packet is retained.
func BuildCaptureFilter(cfg config.CaptureConfig) (capture.Filter, error) {
	var protoRe *regexp.Regexp
	if cfg.ExcludeProtocols != nil && *cfg.ExcludeProtocols != "" {
		var err error
		protoRe, err = regexp.Compile("^(?:" + *cfg.ExcludeProtocols + ")$")
		if err != nil {
			return nil, fmt.Errorf("exclude_protocols: %w", err)
		}
	}
	ports := slices.Clone(cfg.ExcludePorts)
	if protoRe == nil && len(ports) == 0 {
		return nil, nil
	}

	return func(p *capture.CapturedPacket) bool {
		if protoRe != nil && protoRe.MatchString(p.Protocol) {
			return false
		} else if p.SourcePort == 0 && p.DestinationPort == 0 {
			return true
		}
		return !slices.Contains(ports, p.SourcePort) && !slices.Contains(ports, p.DestinationPort)
	}, nil
}
