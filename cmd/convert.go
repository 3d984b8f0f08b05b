package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/model"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl/graph"
)

// RunConvert splits a trained model into per-server weight bundles. The
// bundle digests are printed so operators can pin them on the daemons.
func RunConvert(modelPath, configPath, outDir string) error {
	cfg, err := node.LoadClusterConfig(configPath)
	if err != nil {
		return err
	}
	desc, err := model.Load(modelPath)
	if err != nil {
		return err
	}

	bundles, err := graph.Convert(desc, cfg.FieldConfig(), field.CryptoSource)
	if err != nil {
		return err
	}

	for _, b := range bundles {
		path := filepath.Join(outDir, fmt.Sprintf("%s-server%d.json", b.Model, b.Index))
		if err := b.Save(path); err != nil {
			return err
		}
		fmt.Printf("server %d: %s digest %s\n", b.Index, path, b.Digest())
	}
	return nil
}
