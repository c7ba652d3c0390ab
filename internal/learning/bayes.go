package learning

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outcomes-cli/internal/model"
)

// Default informative prior: mean 0.8 belief that an intervention
// outcome is safe.
const (
	DefaultAlpha        = 8.0
	DefaultBeta         = 2.0
	DefaultLearningRate = 0.1
)

// ErrUnknownOutcome is returned when an UNKNOWN outcome reaches the
// updater; callers must filter those out before updating.
var ErrUnknownOutcome = eris.New("learning: unknown outcome cannot update prior")

// UpdateEvent records one prior update for the bounded history.
type UpdateEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	UpdateNumber  int               `json:"update_number"`
	PredictedProb float64           `json:"predicted_prob"`
	Outcome       model.OutcomeType `json:"outcome"`
	OldAlpha      float64           `json:"old_alpha"`
	OldBeta       float64           `json:"old_beta"`
	NewAlpha      float64           `json:"new_alpha"`
	NewBeta       float64           `json:"new_beta"`
	LearningRate  float64           `json:"learning_rate"`
}

// BayesianUpdater maintains a Beta(alpha, beta) belief over the
// probability that an intervention outcome is safe.
//
// Updates use a fractional pseudo-count rule (alpha += learning_rate
// per safe outcome) rather than the exact integer Beta-Binomial
// conjugate update. The fractional rule damps how fast new evidence
// can overwrite the configured prior; the exact conjugate form is only
// used for hypothetical posteriors in PosteriorProbability.
type BayesianUpdater struct {
	alpha        float64
	beta         float64
	initialAlpha float64
	initialBeta  float64
	nUpdates     int
	history      []UpdateEvent
}

// NewBayesianUpdater creates an updater with the given informative
// prior. Non-positive parameters fall back to the defaults.
func NewBayesianUpdater(initialAlpha, initialBeta float64) *BayesianUpdater {
	if initialAlpha <= 0 {
		initialAlpha = DefaultAlpha
	}
	if initialBeta <= 0 {
		initialBeta = DefaultBeta
	}
	return &BayesianUpdater{
		alpha:        initialAlpha,
		beta:         initialBeta,
		initialAlpha: initialAlpha,
		initialBeta:  initialBeta,
	}
}

// Alpha returns the current alpha shape parameter.
func (u *BayesianUpdater) Alpha() float64 { return u.alpha }

// Beta returns the current beta shape parameter.
func (u *BayesianUpdater) Beta() float64 { return u.beta }

// NUpdates returns how many outcomes have updated the prior.
func (u *BayesianUpdater) NUpdates() int { return u.nUpdates }

// UpdateFromOutcome applies one smoothed pseudo-count update and
// appends an event to the bounded history.
func (u *BayesianUpdater) UpdateFromOutcome(predictedProbSafe float64, outcome model.OutcomeType, learningRate float64) (model.Prior, error) {
	if !outcome.Known() {
		return model.Prior{}, ErrUnknownOutcome
	}

	oldAlpha, oldBeta := u.alpha, u.beta
	switch outcome {
	case model.OutcomeSafe:
		u.alpha += learningRate
	case model.OutcomeAdverse:
		u.beta += learningRate
	}
	u.nUpdates++

	u.history = append(u.history, UpdateEvent{
		Timestamp:     time.Now().UTC(),
		UpdateNumber:  u.nUpdates,
		PredictedProb: predictedProbSafe,
		Outcome:       outcome,
		OldAlpha:      oldAlpha,
		OldBeta:       oldBeta,
		NewAlpha:      u.alpha,
		NewBeta:       u.beta,
		LearningRate:  learningRate,
	})
	if len(u.history) > historyCap {
		u.history = u.history[len(u.history)-historyCap:]
	}

	return u.CurrentPrior(), nil
}

// BatchUpdate applies UpdateFromOutcome sequentially in list order.
// The final state is exactly the result of the equivalent single
// updates; there is no batching shortcut.
func (u *BayesianUpdater) BatchUpdate(pairs []model.PredictionOutcome, learningRate float64) (model.Prior, error) {
	for _, p := range pairs {
		if _, err := u.UpdateFromOutcome(p.PredictedProbSafe, p.Outcome, learningRate); err != nil {
			return model.Prior{}, err
		}
	}
	return u.CurrentPrior(), nil
}

// CurrentPrior returns the prior parameters with derived statistics:
// mean, variance, and a 95% credible interval from the Beta quantile
// function.
func (u *BayesianUpdater) CurrentPrior() model.Prior {
	mean := u.alpha / (u.alpha + u.beta)
	sum := u.alpha + u.beta
	variance := (u.alpha * u.beta) / (sum * sum * (sum + 1))

	return model.Prior{
		Alpha:         u.alpha,
		Beta:          u.beta,
		PriorMean:     round4(mean),
		PriorVariance: round6(variance),
		CILow:         round4(betaQuantile(0.025, u.alpha, u.beta)),
		CIHigh:        round4(betaQuantile(0.975, u.alpha, u.beta)),
		NUpdates:      u.nUpdates,
	}
}

// PosteriorProbability computes a hypothetical posterior from the
// current prior plus whole-unit observation counts. Stored state is
// not mutated.
func (u *BayesianUpdater) PosteriorProbability(nSafe, nAdverse int) model.Posterior {
	postAlpha := u.alpha + float64(nSafe)
	postBeta := u.beta + float64(nAdverse)
	mean := postAlpha / (postAlpha + postBeta)

	return model.Posterior{
		ProbSafe:       round4(mean),
		CILow:          round4(betaQuantile(0.025, postAlpha, postBeta)),
		CIHigh:         round4(betaQuantile(0.975, postAlpha, postBeta)),
		PosteriorAlpha: postAlpha,
		PosteriorBeta:  postBeta,
	}
}

// Reset restores the originally configured prior and clears the update
// history and counter.
func (u *BayesianUpdater) Reset() {
	u.alpha = u.initialAlpha
	u.beta = u.initialBeta
	u.nUpdates = 0
	u.history = nil
}

// ResetTo resets to explicit shape parameters and clears history.
func (u *BayesianUpdater) ResetTo(alpha, beta float64) error {
	if alpha <= 0 || beta <= 0 {
		return eris.Errorf("learning: invalid prior parameters alpha=%g beta=%g", alpha, beta)
	}
	u.alpha = alpha
	u.beta = beta
	u.nUpdates = 0
	u.history = nil
	return nil
}

// History returns the bounded update history, oldest first.
func (u *BayesianUpdater) History() []UpdateEvent {
	return u.history
}

// UpdaterState is the serializable form of a BayesianUpdater.
type UpdaterState struct {
	Alpha        float64       `json:"alpha"`
	Beta         float64       `json:"beta"`
	InitialAlpha float64       `json:"initial_alpha"`
	InitialBeta  float64       `json:"initial_beta"`
	NUpdates     int           `json:"n_updates"`
	History      []UpdateEvent `json:"update_history,omitempty"`
}

// State captures a round-trippable snapshot with the history capped to
// the most recent window.
func (u *BayesianUpdater) State() UpdaterState {
	history := u.history
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	out := make([]UpdateEvent, len(history))
	copy(out, history)

	return UpdaterState{
		Alpha:        u.alpha,
		Beta:         u.beta,
		InitialAlpha: u.initialAlpha,
		InitialBeta:  u.initialBeta,
		NUpdates:     u.nUpdates,
		History:      out,
	}
}

// RestoreBayesianUpdater rebuilds an updater from a saved state. The
// restored updater reproduces identical CurrentPrior output.
func RestoreBayesianUpdater(st UpdaterState) *BayesianUpdater {
	u := NewBayesianUpdater(st.InitialAlpha, st.InitialBeta)
	if st.Alpha > 0 {
		u.alpha = st.Alpha
	}
	if st.Beta > 0 {
		u.beta = st.Beta
	}
	u.nUpdates = st.NUpdates
	u.history = append(u.history, st.History...)
	return u
}
