package plugin

// kmpTable builds the Knuth-Morris-Pratt failure table for pattern.
func kmpTable(pattern []byte) []int {
	table := make([]int, len(pattern))
	k := 0
	for i := 1; i < len(pattern); i++ {
		for k > 0 && pattern[k] != pattern[i] {
			k = table[k-1]
		}
		if pattern[k] == pattern[i] {
			k++
		}
		table[i] = k
	}
	return table
}

// containsKMP reports whether needle occurs anywhere in haystack, in
// O(len(haystack)+len(needle)) time. Used for SNI host matching against
// a TLS ClientHello, where a naive substring scan would be quadratic in
// the worst case against adversarial input.
func containsKMP(haystack, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	if len(haystack) < len(needle) {
		return false
	}
	table := kmpTable(needle)
	k := 0
	for i := 0; i < len(haystack); i++ {
		for k > 0 && needle[k] != haystack[i] {
			k = table[k-1]
		}
		if needle[k] == haystack[i] {
			k++
		}
		if k == len(needle) {
			return true
		}
	}
	return false
}
