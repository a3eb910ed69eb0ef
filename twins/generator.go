package twins

import (
	"math/rand"
)

// GeneratorConfig configures scenario generation.
type GeneratorConfig struct {
	MinValidators int
	MaxValidators int

	// MaxTwins caps twins below the fault tolerance of each generated set.
	MaxTwins int

	MinEpochs uint32
	MaxEpochs uint32

	// Seed for reproducible generation (0 = random)
	Seed int64
}

// DefaultGeneratorConfig returns the default generator configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinValidators: 4,
		MaxValidators: 7,
		MaxTwins:      2,
		MinEpochs:     1,
		MaxEpochs:     3,
	}
}

// Generator generates random test scenarios.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator creates a new scenario generator.
func NewGenerator(config GeneratorConfig) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Generate generates a single random scenario that passes ValidateScenario.
func (g *Generator) Generate() Scenario {
	validators := g.config.MinValidators + g.rng.Intn(g.config.MaxValidators-g.config.MinValidators+1)

	maxTwins := min(g.config.MaxTwins, (validators-1)/3)
	twins := 0
	if maxTwins > 0 {
		twins = g.rng.Intn(maxTwins + 1)
	}

	epochs := g.config.MinEpochs + uint32(g.rng.Intn(int(g.config.MaxEpochs-g.config.MinEpochs)+1))

	behaviors := []ByzantineBehavior{
		BehaviorDoubleSign,
		BehaviorSilent,
		BehaviorSplit,
	}
	behavior := behaviors[g.rng.Intn(len(behaviors))]
	if twins == 0 {
		behavior = BehaviorHonest
	}

	return Scenario{
		Validators: validators,
		Twins:      twins,
		Epochs:     epochs,
		Behavior:   behavior,
		Seed:       g.rng.Int63(),
	}
}

// GenerateN generates n random scenarios.
func (g *Generator) GenerateN(n int) []Scenario {
	scenarios := make([]Scenario, n)
	for i := range n {
		scenarios[i] = g.Generate()
	}
	return scenarios
}

// GenerateComprehensive returns the basic scenarios, edge cases and
// randomCount random scenarios.
func GenerateComprehensive(randomCount int) []Scenario {
	scenarios := GenerateBasicScenarios()

	scenarios = append(scenarios, []Scenario{
		// Single validator
		{Validators: 1, Epochs: 2, Behavior: BehaviorHonest},

		// Two crashed validators of seven
		{Validators: 7, Twins: 2, Epochs: 2, Behavior: BehaviorSilent},

		// Two twins on the majority side
		{Validators: 7, Twins: 2, Epochs: 2, Behavior: BehaviorSplit},
	}...)

	gen := NewGenerator(DefaultGeneratorConfig())
	return append(scenarios, gen.GenerateN(randomCount)...)
}
