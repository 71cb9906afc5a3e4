package adapter

var ClassifyGeminiErrorForTest = classifyGeminiError
