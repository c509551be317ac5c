package ninja_go

// EditDistance computes the Levenshtein distance between s1 and s2 using a
// single rolling row. When maxEditDistance is non-zero the computation stops
// early and returns maxEditDistance+1 once every cell of a row exceeds it.
func EditDistance(s1 string, s2 string, allowReplacements bool, maxEditDistance int) int {
	m := len(s1)
	n := len(s2)

	row := make([]int, n+1)
	for i := 1; i <= n; i++ {
		row[i] = i
	}

	for y := 1; y <= m; y++ {
		row[0] = y
		bestThisRow := row[0]

		previous := y - 1
		for x := 1; x <= n; x++ {
			oldRow := row[x]
			if allowReplacements {
				cost := 1
				if s1[y-1] == s2[x-1] {
					cost = 0
				}
				row[x] = min(previous+cost, min(row[x-1], row[x])+1)
			} else {
				if s1[y-1] == s2[x-1] {
					row[x] = previous
				} else {
					row[x] = min(row[x-1], row[x]) + 1
				}
			}
			previous = oldRow
			bestThisRow = min(bestThisRow, row[x])
		}

		if maxEditDistance != 0 && bestThisRow > maxEditDistance {
			return maxEditDistance + 1
		}
	}

	return row[n]
}
