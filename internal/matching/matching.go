// internal/matching/matching.go
package matching

import (
	"sort"
	"strings"

	"grocery-tracker/internal/domain"
)

// MinScore — минимальный балл похожести (0-100) для автоматического
// сопоставления товара с этикеткой.
const MinScore = 70

// maxSuggestions — сколько кандидатов предлагать для несопоставленного товара.
const maxSuggestions = 3

// normalize приводит имя к нижнему регистру и схлопывает пробелы.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// levenshtein считает редакционное расстояние по рунам.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// ratio — нормализованная похожесть двух строк в [0,100].
func ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 100
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 100
	}
	return (1 - float64(levenshtein(a, b))/float64(longest)) * 100
}

// sortTokens сортирует слова имени, чтобы перестановка слов
// («Молоко 1л Простоквашино» / «Простоквашино Молоко 1л») не била по баллу.
func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// Score — общая похожесть двух имён в [0,100]. Единственная реализация
// примитива: её используют и движок сопоставления, и ценовой журнал.
func Score(a, b string) float64 {
	na := normalize(a)
	nb := normalize(b)
	s := ratio(na, nb)
	if ts := ratio(sortTokens(na), sortTokens(nb)); ts > s {
		s = ts
	}
	return s
}

// LabelScore — похожесть имени товара и этикетки с бонусами за совпадение
// бренда и веса в названии.
func LabelScore(productName string, label domain.LabelScan) float64 {
	score := Score(productName, label.Name)

	name := normalize(productName)
	if label.Weight != nil && *label.Weight != "" && strings.Contains(name, normalize(*label.Weight)) {
		score = capAt100(score + 5)
	}
	if label.Brand != nil && *label.Brand != "" && strings.Contains(name, normalize(*label.Brand)) {
		score = capAt100(score + 5)
	}
	return score
}

func capAt100(s float64) float64 {
	if s > 100 {
		return 100
	}
	return s
}

// candidate — пара (товар, этикетка) с баллом, индексы во входных срезах.
type candidate struct {
	pi    int
	li    int
	score float64
}

// Match сопоставляет позиции чека с этикетками. Чистая функция: никакого
// I/O, результат полностью определяется входом.
//
// Жадное максимальное паросочетание: кандидаты с баллом >= MinScore
// сортируются по убыванию балла (при равенстве — меньшее имя товара,
// затем более ранняя этикетка) и фиксируются, если обе стороны ещё
// свободны. Для каждого несопоставленного товара — до трёх кандидатов
// среди оставшихся этикеток без порога.
func Match(products []domain.ReceiptProduct, labels []domain.LabelScan) *domain.MatchResult {
	var cands []candidate
	for pi, p := range products {
		for li, l := range labels {
			if s := LabelScore(p.Name, l); s >= MinScore {
				cands = append(cands, candidate{pi: pi, li: li, score: s})
			}
		}
	}

	sortCandidates(cands, products, labels)

	assignedP := make(map[int]bool, len(products))
	assignedL := make(map[int]bool, len(labels))

	result := &domain.MatchResult{Suggestions: make(map[int64][]domain.Suggestion)}

	for _, c := range cands {
		if assignedP[c.pi] || assignedL[c.li] {
			continue
		}
		assignedP[c.pi] = true
		assignedL[c.li] = true
		result.Matched = append(result.Matched, domain.MatchedPair{
			Product: products[c.pi],
			Label:   labels[c.li],
			Score:   c.score,
		})
	}

	var freeLabels []int
	for li := range labels {
		if !assignedL[li] {
			freeLabels = append(freeLabels, li)
			result.UnmatchedLabels = append(result.UnmatchedLabels, labels[li])
		}
	}

	for pi, p := range products {
		if assignedP[pi] {
			continue
		}
		result.UnmatchedProducts = append(result.UnmatchedProducts, p)
		result.Suggestions[p.ID] = suggest(p, labels, freeLabels)
	}

	return result
}

// sortCandidates упорядочивает кандидатов детерминированно: балл по
// убыванию, имя товара по возрастанию, затем время создания этикетки.
func sortCandidates(cands []candidate, products []domain.ReceiptProduct, labels []domain.LabelScan) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		pa, pb := products[a.pi].Name, products[b.pi].Name
		if pa != pb {
			return pa < pb
		}
		la, lb := labels[a.li], labels[b.li]
		if !la.CreatedAt.Equal(lb.CreatedAt) {
			return la.CreatedAt.Before(lb.CreatedAt)
		}
		return la.ID < lb.ID
	})
}

// suggest ранжирует свободные этикетки для товара без порога по баллу.
func suggest(p domain.ReceiptProduct, labels []domain.LabelScan, freeLabels []int) []domain.Suggestion {
	scored := make([]domain.Suggestion, 0, len(freeLabels))
	for _, li := range freeLabels {
		scored = append(scored, domain.Suggestion{
			Label: labels[li],
			Score: LabelScore(p.Name, labels[li]),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Label.CreatedAt.Equal(scored[j].Label.CreatedAt) {
			return scored[i].Label.CreatedAt.Before(scored[j].Label.CreatedAt)
		}
		return scored[i].Label.ID < scored[j].Label.ID
	})
	if len(scored) > maxSuggestions {
		scored = scored[:maxSuggestions]
	}
	return scored
}
