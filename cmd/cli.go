package cmd

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/client"
	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/registry/standard"
	"github.com/privml/trishare/transport/tcp"
)

// -----------------------------------------------------------------------------
// Client CMD Prompt

var prompt = &survey.Select{
	Message: "What do you want to do ?",
	Options: actionOpts,
}

var actionOpts = []string{
	"🔮 Submit prediction",
	"🍃 Exit",
}

// StartCLI runs the interactive prediction client against the cluster named
// in the config file. keyHex is the client's ECDSA private key; empty
// generates a fresh one.
func StartCLI(configPath, keyHex string) error {
	cfg, err := node.LoadClusterConfig(configPath)
	if err != nil {
		return err
	}

	key, err := loadKey(keyHex)
	if err != nil {
		return err
	}

	socket, err := tcp.NewTCP().CreateSocket("127.0.0.1:0")
	if err != nil {
		return err
	}

	c, err := client.New(client.Configuration{
		Socket:          socket,
		MessageRegistry: standard.NewRegistry(),
		Servers:         cfg.Addresses(),
		Field:           cfg.FieldConfig(),
		Rand:            field.CryptoSource,
		PrivateKey:      key,
	})
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	fmt.Printf("client %s ready (account %s)\n", socket.GetAddress(), c.Address())

	for {
		var action string
		if err := survey.AskOne(prompt, &action); err != nil {
			return err
		}

		switch action {
		case actionOpts[0]:
			if err := submitPrediction(c); err != nil {
				fmt.Println(err)
			}
		default:
			return nil
		}
	}
}

// loadKey parses the hex private key, or generates a fresh one.
func loadKey(keyHex string) (*ecdsa.PrivateKey, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
}

func submitPrediction(c *client.Client) error {
	var shapeStr string
	if err := survey.AskOne(&survey.Input{Message: "Input shape (e.g. 3 or 1,28,28):"}, &shapeStr); err != nil {
		return err
	}
	shape, err := parseInts(shapeStr)
	if err != nil {
		return err
	}

	var valuesStr string
	if err := survey.AskOne(&survey.Input{Message: "Input values (comma separated):"}, &valuesStr); err != nil {
		return err
	}
	values, err := parseFloats(valuesStr)
	if err != nil {
		return err
	}

	out, err := c.Predict(values, shape)
	if err != nil {
		return err
	}
	fmt.Printf("prediction: %v\n", out)
	return nil
}

func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, xerrors.Errorf("bad dimension %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, xerrors.Errorf("bad value %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}
