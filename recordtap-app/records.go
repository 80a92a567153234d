package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/recordtap-app/config"
	"github.com/compose-network/recordtap/x/guild"
	"github.com/compose-network/recordtap/x/record"
)

// buildRegistry assembles the record decoders selected by cfg. pub may be nil
// when NATS publishing is off.
func buildRegistry(cfg config.RecordsConfig, pub guild.Publisher, log zerolog.Logger) (record.Registry, error) {
	var entries []record.Entry
	taken := make(map[uint16]bool)

	if cfg.GuildMembers.Enabled {
		var writers []guild.Writer
		if cfg.GuildMembers.OutputDir != "" {
			writers = append(writers, guild.NewCSVWriter(cfg.GuildMembers.OutputDir, log))
		}
		if cfg.GuildMembers.Publish {
			if pub == nil {
				return nil, fmt.Errorf("guild members publishing needs a NATS sink")
			}
			writers = append(writers, guild.NewPublishWriter(pub, ""))
		}

		entry := guild.NewExporter(log, writers...).Entry()
		entries = append(entries, entry)
		taken[entry.Type] = true
	}

	types, err := cfg.ParseHexdumpTypes()
	if err != nil {
		return nil, err
	}
	dump := record.HexDump(log)
	for _, typ := range types {
		if taken[typ] {
			log.Warn().Str("payload_type", fmt.Sprintf("0x%04x", typ)).Msg("Hex dump skipped, type has a decoder")
			continue
		}
		taken[typ] = true
		entries = append(entries, record.Entry{
			Type: typ,
			Name: "hexdump",
			New:  record.Accumulate(typ, dump),
		})
	}

	return record.NewRegistry(entries...)
}
