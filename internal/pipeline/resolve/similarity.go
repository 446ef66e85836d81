package resolve

// Composite similarity weights. The two name-based components deliberately
// sum below 1.0: only an exact normalized key or an auxiliary identifier
// match can reach the auto-match band on its own, so near-identical names
// land in the review band instead of silently merging.
const (
	weightTokenOverlap   = 0.5
	weightEditSimilarity = 0.4
)

// TokenOverlap computes the containment ratio between two token sets: the
// size of the intersection over the size of the smaller set. A single-token
// name fully contained in a longer name scores 1.0.
func TokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	return float64(shared) / float64(smaller)
}

// JaroWinkler computes the Jaro-Winkler similarity of two strings in [0,1],
// with the standard 0.1 prefix scale over at most four leading characters.
func JaroWinkler(a, b string) float64 {
	jaro := jaroSimilarity(a, b)
	if jaro == 0 {
		return 0
	}
	prefix := 0
	ra, rb := []rune(a), []rune(b)
	for prefix < len(ra) && prefix < len(rb) && prefix < 4 && ra[prefix] == rb[prefix] {
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1-jaro)
}

func jaroSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	window := la
	if lb > window {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}
	matchedA := make([]bool, la)
	matchedB := make([]bool, lb)
	matches := 0
	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if matchedB[j] || ra[i] != rb[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}
	transpositions := 0
	j := 0
	for i := 0; i < la; i++ {
		if !matchedA[i] {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if ra[i] != rb[j] {
			transpositions++
		}
		j++
	}
	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(la) + m/float64(lb) + (m-t)/m) / 3
}

// NameScore combines the token containment ratio and the character-level
// similarity of two normalized keys into the weighted name-based composite.
func NameScore(inputKey, candidateKey string) (composite, tokenOverlap, editSim float64) {
	tokenOverlap = TokenOverlap(Tokens(inputKey), Tokens(candidateKey))
	editSim = JaroWinkler(inputKey, candidateKey)
	composite = weightTokenOverlap*tokenOverlap + weightEditSimilarity*editSim
	return composite, tokenOverlap, editSim
}
